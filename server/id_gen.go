package server

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync/atomic"

	"github.com/arloliu/go-cas/proto"
)

// idGenerator generates resource ids.
//
// It uses a cryptographically secure random number generator to initialize the starting id,
// so ids of a restarted server are unlikely to collide with ids a client still caches,
// and atomically increments the id to ensure uniqueness in concurrent environments.
type idGenerator struct {
	id atomic.Uint32
}

func newIDGenerator() *idGenerator {
	inst := &idGenerator{}
	var buf [4]byte
	_, err := io.ReadFull(rand.Reader, buf[:])
	if err != nil {
		return inst
	}
	inst.id.Store(binary.LittleEndian.Uint32(buf[:]))

	return inst
}

// next returns the next id, never proto.InvalidResourceID.
func (g *idGenerator) next() uint32 {
	for {
		id := g.id.Add(1)
		if id != proto.InvalidResourceID {
			return id
		}
	}
}
