package app

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"chatsync/internal/config"
	"chatsync/internal/transport"
)

// SwitchableTransport wraps the active link backend and lets the
// runtime swap it when the connection config changes. The engine keeps
// a single Transport reference; after a swap its reconnect path picks
// up the new backend.
type SwitchableTransport struct {
	mu sync.RWMutex

	cfg       config.ConnectionConfig
	transport transport.Transport
}

func NewConnectionTransport(cfg config.ConnectionConfig) (*SwitchableTransport, error) {
	tr, err := newTransportForConnection(cfg)
	if err != nil {
		return nil, err
	}

	return &SwitchableTransport{
		cfg:       cfg,
		transport: tr,
	}, nil
}

func (t *SwitchableTransport) Apply(cfg config.ConnectionConfig) error {
	next, err := newTransportForConnection(cfg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	current := t.transport
	t.transport = next
	t.cfg = cfg
	t.mu.Unlock()

	if current != nil {
		_ = current.Close()
	}

	return nil
}

func (t *SwitchableTransport) Name() string {
	tr := t.current()
	if tr == nil {
		return "unknown"
	}

	return tr.Name()
}

func (t *SwitchableTransport) StatusTarget() string {
	t.mu.RLock()
	tr := t.transport
	cfg := t.cfg
	t.mu.RUnlock()

	if provider, ok := tr.(transport.StatusTargetResolver); ok {
		target := strings.TrimSpace(provider.StatusTarget())
		if target != "" {
			return target
		}
	}

	return ConnectionTarget(cfg)
}

func (t *SwitchableTransport) Connect(ctx context.Context) error {
	tr := t.current()
	if tr == nil {
		return fmt.Errorf("transport is not configured")
	}

	return tr.Connect(ctx)
}

func (t *SwitchableTransport) Close() error {
	tr := t.current()
	if tr == nil {
		return nil
	}

	return tr.Close()
}

func (t *SwitchableTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	tr := t.current()
	if tr == nil {
		return nil, fmt.Errorf("transport is not configured")
	}

	return tr.ReadFrame(ctx)
}

func (t *SwitchableTransport) WriteFrame(ctx context.Context, payload []byte) error {
	tr := t.current()
	if tr == nil {
		return fmt.Errorf("transport is not configured")
	}

	return tr.WriteFrame(ctx, payload)
}

func (t *SwitchableTransport) current() transport.Transport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.transport
}

func (t *SwitchableTransport) Config() config.ConnectionConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.cfg
}

func newTransportForConnection(cfg config.ConnectionConfig) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportWebsocket:
		return transport.NewWSTransport(strings.TrimSpace(cfg.ServerURL)), nil
	case config.TransportTCP:
		host, port, err := splitTCPAddress(cfg.TCPAddress)
		if err != nil {
			return nil, err
		}
		return transport.NewTCPTransport(host, port), nil
	default:
		return nil, fmt.Errorf("unknown transport: %q", cfg.Transport)
	}
}

// splitTCPAddress accepts "host:port" or a bare host; a bare host gets
// the transport's default port.
func splitTCPAddress(address string) (string, int, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", 0, fmt.Errorf("tcp address is empty")
	}
	host, portRaw, err := net.SplitHostPort(address)
	if err != nil {
		return address, 0, nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("tcp address %q has no host", address)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid tcp port in %q", address)
	}

	return host, port, nil
}
