package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// wsFrame is the envelope carried over the websocket connection, analogous
// to the teacher's gateway.GatewayMessage opcode frame but reduced to what
// the transport layer needs: a topic and an opaque wire payload.
type wsFrame struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

// WSBackend is the direct-websocket Backend: one node runs the listener
// (server role), all peers dial into it (client role) and every connection
// is treated symmetrically — Publish fans a frame out to every connected
// peer, mirroring the teacher's gateway fanout model minus its per-client
// auth/heartbeat machinery (identity/consent live in internal/ports, not the
// socket layer). A received frame is delivered locally only; it is not
// relayed to the other connected peers.
type WSBackend struct {
	listenAddr string
	dialAddrs  []string

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	server  *http.Server
	onMsg   func(topic string, payload []byte)
}

// NewWSBackend creates a websocket backend. listenAddr is where this node
// accepts inbound peer connections (empty disables listening); dialAddrs are
// peer listen addresses this node connects out to.
func NewWSBackend(listenAddr string, dialAddrs []string) *WSBackend {
	return &WSBackend{
		listenAddr: listenAddr,
		dialAddrs:  dialAddrs,
		conns:      make(map[*websocket.Conn]struct{}),
	}
}

// Connect starts the listener (if configured) and dials every configured
// peer, delivering decoded frames to onMessage.
func (b *WSBackend) Connect(ctx context.Context, onMessage func(topic string, payload []byte)) error {
	b.onMsg = onMessage

	if b.listenAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/pulsemesh", func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			b.trackAndServe(ctx, conn)
		})
		ln, err := net.Listen("tcp", b.listenAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", b.listenAddr, err)
		}
		b.server = &http.Server{Handler: mux}
		go func() {
			_ = b.server.Serve(ln)
		}()
	}

	for _, addr := range b.dialAddrs {
		addr := addr
		go b.dial(ctx, addr)
	}

	return nil
}

func (b *WSBackend) dial(ctx context.Context, addr string) {
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		slog.Default().Warn("websocket dial failed", slog.String("addr", addr), slog.String("error", err.Error()))
		return
	}
	b.trackAndServe(ctx, conn)
}

func (b *WSBackend) trackAndServe(ctx context.Context, conn *websocket.Conn) {
	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if b.onMsg != nil {
			b.onMsg(frame.Topic, frame.Payload)
		}
	}
}

// Publish fans payload out to every connected peer socket.
func (b *WSBackend) Publish(ctx context.Context, topic string, payload []byte) error {
	frame, err := json.Marshal(wsFrame{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshaling websocket frame: %w", err)
	}

	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	var lastErr error
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, frame); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Close shuts down the listener and every tracked connection.
func (b *WSBackend) Close() error {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[*websocket.Conn]struct{})
	b.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusNormalClosure, "shutting down")
	}
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}
