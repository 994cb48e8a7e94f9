package server

import (
	"errors"
	"net"
	"time"

	"github.com/arloliu/go-cas/internal/pool"
)

// acceptTimeout bounds one Accept call so the accept task notices a stopped server.
const acceptTimeout = time.Second

// tryAcceptConn accepts one virtual circuit. It returns false once the listener is
// closed.
func (intf *casIntf) tryAcceptConn() bool {
	ctx := intf.srv.taskMgr.Context()

	if err := intf.listener.SetDeadline(time.Now().Add(acceptTimeout)); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			intf.logger.Error("failed to set deadline for tcp listener", "error", err)
		}

		return false
	}

	conn, err := intf.listener.AcceptTCP()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			select {
			case <-ctx.Done():
				intf.logger.Debug("accept canceled by context", "error", err, "ctxError", ctx.Err())
				return false
			default:
				return true
			}
		}

		if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
			return false
		}

		// resource exhaustion such as EMFILE; back off and accept again
		intf.logger.Error("failed to accept connection", "error", err)

		return pool.Sleep(ctx, acceptTimeout)
	}

	if !intf.srv.state.IsRunning() && intf.srv.state.Get() != StartingState {
		_ = conn.Close()
		return false
	}

	_ = conn.SetNoDelay(true)
	_ = conn.SetKeepAlive(true)

	intf.logger.Debug("connection accepted", "remote_address", conn.RemoteAddr())
	intf.srv.installClient(conn)

	return true
}
