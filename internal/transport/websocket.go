package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nhooyr.io/websocket"
)

// WSTransport carries protocol envelopes as text messages over a
// websocket connection. This is the default link to the chat backend.
type WSTransport struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewWSTransport(url string) *WSTransport {
	return &WSTransport{url: url}
}

func (t *WSTransport) Name() string {
	return "websocket"
}

func (t *WSTransport) SetURL(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.url = url
}

func (t *WSTransport) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.url
}

func (t *WSTransport) StatusTarget() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.url
}

func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn != nil
}

func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("websocket", "target", t.url)

	if t.conn != nil {
		logger.Debug("connect skipped: already connected")

		return nil
	}
	if t.url == "" {
		logger.Warn("connect failed: url is empty")

		return errors.New("websocket url is empty")
	}

	logger.Info("connecting")
	conn, _, err := websocket.Dial(ctx, t.url, nil)
	if err != nil {
		logger.Warn("connect failed", "error", err)

		return fmt.Errorf("dial websocket: %w", err)
	}
	t.conn = conn
	logger.Info("connected")

	return nil
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("websocket", "target", t.url)

	if t.conn == nil {
		logger.Debug("close skipped: not connected")

		return nil
	}
	err := t.conn.Close(websocket.StatusNormalClosure, "client closing")
	t.conn = nil
	if err != nil {
		logger.Debug("close finished with error", "error", err)

		return err
	}
	logger.Info("closed")

	return nil
}

func (t *WSTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	logger := transportLogger("websocket")
	conn, err := t.currentConn()
	if err != nil {
		logger.Debug("read frame failed: not connected", "error", err)

		return nil, err
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		logger.Debug("read frame failed", "error", err)

		return nil, fmt.Errorf("read websocket message: %w", err)
	}
	logger.Debug("read frame", "len", len(data))

	return data, nil
}

func (t *WSTransport) WriteFrame(ctx context.Context, payload []byte) error {
	logger := transportLogger("websocket")
	conn, err := t.currentConn()
	if err != nil {
		logger.Debug("write frame failed: not connected", "error", err)

		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		logger.Warn("write frame failed", "payload_len", len(payload), "error", err)

		return fmt.Errorf("write websocket message: %w", err)
	}
	logger.Debug("write frame", "payload_len", len(payload))

	return nil
}

func (t *WSTransport) currentConn() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, errors.New("transport is not connected")
	}

	return t.conn, nil
}
