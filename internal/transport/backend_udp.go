package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// UDPBackend is the LAN broadcast fallback of spec.md §4.3: `topic|payload`
// framing over UDP broadcast, used when the primary backend (broker or
// websocket) is unavailable. Grounded on the teacher's own preference for
// plain stdlib networking wherever no pack library covers the concern — no
// example repo wraps UDP broadcast in a third-party library.
type UDPBackend struct {
	broadcastAddr string
	listenPort    int

	conn *net.UDPConn
}

// NewUDPBackend creates a UDP fallback backend. broadcastAddr is the
// destination (e.g. "255.255.255.255:9999"); listenPort is the local port
// bound to receive broadcasts.
func NewUDPBackend(broadcastAddr string, listenPort int) *UDPBackend {
	return &UDPBackend{broadcastAddr: broadcastAddr, listenPort: listenPort}
}

// Connect binds a UDP socket on listenPort and starts a read loop dispatching
// decoded `topic|payload` frames to onMessage.
func (b *UDPBackend) Connect(ctx context.Context, onMessage func(topic string, payload []byte)) error {
	addr := &net.UDPAddr{Port: b.listenPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("binding udp listener on port %d: %w", b.listenPort, err)
	}
	b.conn = conn

	go func() {
		buf := make([]byte, 65536)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			topic, payload, ok := splitFrame(buf[:n])
			if !ok {
				continue
			}
			onMessage(topic, payload)
		}
	}()

	return nil
}

func splitFrame(frame []byte) (topic string, payload []byte, ok bool) {
	idx := strings.IndexByte(string(frame), '|')
	if idx < 0 {
		return "", nil, false
	}
	return string(frame[:idx]), frame[idx+1:], true
}

// Publish broadcasts a `topic|payload` frame over UDP.
func (b *UDPBackend) Publish(_ context.Context, topic string, payload []byte) error {
	if b.conn == nil {
		return fmt.Errorf("udp backend not connected")
	}
	raddr, err := net.ResolveUDPAddr("udp4", b.broadcastAddr)
	if err != nil {
		return fmt.Errorf("resolving broadcast address %s: %w", b.broadcastAddr, err)
	}
	frame := append([]byte(topic+"|"), payload...)
	if _, err := b.conn.WriteToUDP(frame, raddr); err != nil {
		return fmt.Errorf("broadcasting udp frame: %w", err)
	}
	return nil
}

// Close closes the UDP socket.
func (b *UDPBackend) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
