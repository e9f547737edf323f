package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/command"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
)

// socketWriteTimeout bounds one message write. A peer that stops draining
// its receive buffer turns into a write timeout here, which Send surfaces
// as the backpressure error instead of buffering unboundedly.
const socketWriteTimeout = 5 * time.Second

// SocketTransport carries each logical channel on its own WebSocket
// connection. The channel name is part of the URL path, each binary message
// is one whole packet with no outer length prefix, and the first message is
// a JSON init_channel_stream command.
type SocketTransport struct {
	log    *slog.Logger
	base   url.URL
	dialer *websocket.Dialer

	mu       sync.Mutex
	closed   bool
	channels map[protocol.Channel]*socketChannel
	handlers map[protocol.Channel]MessageHandler
}

type socketChannel struct {
	conn *websocket.Conn

	// writeMu serializes writes; gorilla connections support one concurrent
	// writer.
	writeMu sync.Mutex
}

// NewSocketTransport creates a transport dialing channels under baseURL
// (e.g. "wss://media.example.com/rooms/42"). If log is nil, slog.Default()
// is used.
func NewSocketTransport(baseURL string, log *slog.Logger) (*SocketTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse base URL: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &SocketTransport{
		log:      log.With("component", "socket-transport", "base", baseURL),
		base:     *u,
		dialer:   websocket.DefaultDialer,
		channels: make(map[protocol.Channel]*socketChannel),
		handlers: make(map[protocol.Channel]MessageHandler),
	}, nil
}

func (t *SocketTransport) Kind() Kind { return KindSocket }

// Attach dials the channel's socket and sends the init_channel_stream
// handshake before any media flows.
func (t *SocketTransport) Attach(ctx context.Context, ch protocol.Channel, creds Credentials) error {
	if _, ok := ch.ID(creds.Role); !ok {
		return fmt.Errorf("transport: channel %q not defined for role %s", ch, creds.Role)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if _, exists := t.channels[ch]; exists {
		t.mu.Unlock()
		return fmt.Errorf("transport: channel %q already attached", ch)
	}
	t.mu.Unlock()

	u := t.base
	u.Path, _ = url.JoinPath(u.Path, string(ch))
	q := u.Query()
	if creds.Token != "" {
		q.Set("token", creds.Token)
	}
	u.RawQuery = q.Encode()

	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("transport: dial %q: %w", u.String(), err)
	}

	handshake, err := command.Encode(command.TypeInitChannelStream, command.InitChannelStream{
		Channel: string(ch),
		Audio:   ch.IsAudio(),
		Video:   ch.IsVideo(),
	})
	if err != nil {
		conn.Close()
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, handshake); err != nil {
		conn.Close()
		return fmt.Errorf("transport: handshake for %q: %w", ch, err)
	}

	sc := &socketChannel{conn: conn}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	t.channels[ch] = sc
	t.mu.Unlock()

	go t.readLoop(ch, sc)

	t.log.Debug("channel attached", "channel", ch)
	return nil
}

func (t *SocketTransport) readLoop(ch protocol.Channel, sc *socketChannel) {
	for {
		kind, data, err := sc.conn.ReadMessage()
		if err != nil {
			t.log.Debug("read loop ended", "channel", ch, "error", err)
			return
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		t.mu.Lock()
		fn := t.handlers[ch]
		t.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

// Send transmits one packet as a single binary message. The write deadline
// converts a stalled peer into an error rather than unbounded buffering.
func (t *SocketTransport) Send(ctx context.Context, ch protocol.Channel, pkt []byte) error {
	t.mu.Lock()
	sc := t.channels[ch]
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if sc == nil {
		return fmt.Errorf("%w: %q", ErrChannelNotAttached, ch)
	}

	deadline := time.Now().Add(socketWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_ = sc.conn.SetWriteDeadline(deadline)
	if err := sc.conn.WriteMessage(websocket.BinaryMessage, pkt); err != nil {
		return fmt.Errorf("transport: send on %q: %w", ch, err)
	}
	return nil
}

// OnMessage registers the receive callback for one channel.
func (t *SocketTransport) OnMessage(ch protocol.Channel, fn MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[ch] = fn
}

// Close closes every channel connection.
func (t *SocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := t.channels
	t.channels = make(map[protocol.Channel]*socketChannel)
	t.mu.Unlock()

	var firstErr error
	for ch, sc := range channels {
		if err := sc.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("transport: closing %q: %w", ch, err)
		}
	}
	return firstErr
}
