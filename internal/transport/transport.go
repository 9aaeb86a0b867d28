package transport

import "context"

// Transport is a framed, bidirectional link to the chat backend. One
// payload corresponds to one protocol envelope; framing details are the
// implementation's business.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
}

// StatusTargetResolver exposes the human-readable endpoint shown in
// connection status events.
type StatusTargetResolver interface {
	StatusTarget() string
}
