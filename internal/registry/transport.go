package registry

import (
	"context"

	ws "github.com/coder/websocket"
)

// wsTransport adapts a coder/websocket connection to the Transport
// interface.
type wsTransport struct {
	conn *ws.Conn
}

func NewWebsocketTransport(conn *ws.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, ws.MessageText, data)
}

// Ping blocks until the peer answers with a pong or ctx expires.
func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(ws.StatusNormalClosure, "")
}
