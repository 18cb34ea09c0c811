package session

// Sink is a non-blocking outbound frame destination: a device socket or an
// App socket writer. TrySend enqueues a frame for delivery and reports false
// when the frame was dropped (queue full or sink closed). Implementations
// must never block the caller and must preserve enqueue order per sink.
type Sink interface {
	TrySend(v any) bool
	Close() error
}
