package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// closeWriteTimeout bounds the close handshake write.
const closeWriteTimeout = 2 * time.Second

// closeRequest asks the write loop to send a final frame, the close control
// message, and tear the socket down.
type closeRequest struct {
	frame  any
	code   int
	reason string
}

// wsSink adapts a gorilla connection to the session.Sink contract: a single
// writer goroutine drains a bounded queue, so TrySend never blocks and never
// races another write. A full queue drops the frame.
type wsSink struct {
	conn  *websocket.Conn
	queue chan any

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newWSSink(conn *websocket.Conn, queueSize int) *wsSink {
	s := &wsSink{
		conn:  conn,
		queue: make(chan any, queueSize),
		done:  make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// TrySend enqueues a frame. json.RawMessage values are written verbatim;
// everything else is JSON-encoded.
func (s *wsSink) TrySend(v any) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.queue <- v:
		return true
	default:
		return false
	}
}

// Reject enqueues an error frame plus a close control message and waits for
// the write loop to flush it. Used when an attachment attempt fails after
// the upgrade.
func (s *wsSink) Reject(frame any, code int, reason string) {
	if s.closed.Load() || !s.trySendClose(closeRequest{frame: frame, code: code, reason: reason}) {
		s.Close()
		return
	}
	s.awaitClose()
}

// CloseWith performs an orderly close with the given status code.
func (s *wsSink) CloseWith(code int, reason string) {
	if s.closed.Load() || !s.trySendClose(closeRequest{code: code, reason: reason}) {
		s.Close()
		return
	}
	s.awaitClose()
}

// awaitClose blocks until the write loop has completed the close handshake,
// so a caller's Close cannot cut off the final frames.
func (s *wsSink) awaitClose() {
	select {
	case <-s.done:
	case <-time.After(2 * closeWriteTimeout):
		s.Close()
	}
}

func (s *wsSink) trySendClose(req closeRequest) bool {
	select {
	case s.queue <- req:
		return true
	default:
		return false
	}
}

// Close tears the socket down immediately, dropping queued frames.
func (s *wsSink) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.conn.Close()
	})
	return nil
}

func (s *wsSink) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case v := <-s.queue:
			if req, ok := v.(closeRequest); ok {
				s.writeClose(req)
				return
			}
			if err := s.write(v); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *wsSink) write(v any) error {
	if raw, ok := v.(json.RawMessage); ok {
		return s.conn.WriteMessage(websocket.TextMessage, raw)
	}
	return s.conn.WriteJSON(v)
}

func (s *wsSink) writeClose(req closeRequest) {
	s.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
	if req.frame != nil {
		_ = s.write(req.frame)
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(req.code, req.reason))
	s.Close()
}
