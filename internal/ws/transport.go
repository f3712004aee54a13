package ws

import (
	"context"

	"github.com/coder/websocket"
)

// Transport is one bidirectional message channel. Close must unblock any
// pending Read.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, b []byte) error
	Close(status websocket.StatusCode, reason string) error
}

type socket struct {
	c *websocket.Conn
}

func NewTransport(c *websocket.Conn) Transport { return socket{c: c} }

func (s socket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.c.Read(ctx)
	return data, err
}

func (s socket) Write(ctx context.Context, b []byte) error {
	return s.c.Write(ctx, websocket.MessageText, b)
}

func (s socket) Close(status websocket.StatusCode, reason string) error {
	return s.c.Close(status, reason)
}
