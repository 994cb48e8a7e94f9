package cas

import "errors"

var (
	// ErrAsyncIOInProgress indicates that StartAsyncIO was called twice for the same
	// request. The first AsyncIO stays valid.
	ErrAsyncIOInProgress = errors.New("cas: async io already started for this request")

	// ErrAsyncIORedundantPost indicates a second Post, or a Post after Destroy. It has
	// no effect on the client.
	ErrAsyncIORedundantPost = errors.New("cas: redundant async io post")

	// ErrAsyncIONotAllowed indicates that StartAsyncIO was called outside of the tool
	// entry point that received the Context.
	ErrAsyncIONotAllowed = errors.New("cas: async io not allowed in this context")
)
