package gateway

import (
	"context"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/session"
)

// maxFrameBytes caps inbound WebSocket message size. Telephony audio frames
// are a few KB; anything near this limit is a misbehaving client.
const maxFrameBytes = 256 * 1024

// wsTransport adapts a [websocket.Conn] to the session transport: binary
// frames carry raw audio, text frames carry the JSON control envelope.
type wsTransport struct {
	conn *websocket.Conn
}

var _ session.Transport = (*wsTransport)(nil)

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(maxFrameBytes)
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(ctx context.Context) (bool, []byte, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return false, nil, err
	}
	return typ == websocket.MessageBinary, data, nil
}

func (t *wsTransport) WriteText(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) WriteBinary(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageBinary, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "session closed")
}
