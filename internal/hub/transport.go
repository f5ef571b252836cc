package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport abstracts the participant-facing connection so the state machine
// can be driven in tests without a live websocket.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Ping() error
	SetReadDeadline(t time.Time) error
	Close() error
}

const writeWait = 10 * time.Second

type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebsocketTransport wraps a gorilla connection. Pong receipt extends the
// read deadline so an idle but live peer survives the heartbeat check.
func NewWebsocketTransport(conn *websocket.Conn, readTimeout time.Duration) Transport {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *wsTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
