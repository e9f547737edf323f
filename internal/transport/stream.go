package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
)

// ALPN protocol identifier for the media transport.
const StreamALPN = "classroom-media"

// StreamTransport carries each logical channel on its own bidirectional QUIC
// stream with length-delimited framing. The first frame on every stream is
// the plain-text subscribe handshake.
type StreamTransport struct {
	log  *slog.Logger
	conn quic.Connection

	mu       sync.Mutex
	closed   bool
	channels map[protocol.Channel]*streamChannel
	handlers map[protocol.Channel]MessageHandler
}

type streamChannel struct {
	stream quic.Stream

	// writeMu serializes frames on the stream so concurrent senders never
	// interleave a length prefix with another frame's payload.
	writeMu sync.Mutex
}

// DialStream connects to a media server and returns a StreamTransport. The
// TLS config must carry StreamALPN in NextProtos; DefaultStreamTLS builds a
// suitable one for fingerprint-pinned deployments.
func DialStream(ctx context.Context, addr string, tlsConf *tls.Config, log *slog.Logger) (*StreamTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{EnableDatagrams: false})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &StreamTransport{
		log:      log.With("component", "stream-transport", "remote", addr),
		conn:     conn,
		channels: make(map[protocol.Channel]*streamChannel),
		handlers: make(map[protocol.Channel]MessageHandler),
	}, nil
}

// DefaultStreamTLS returns a client TLS config for self-signed deployments
// where the server certificate is pinned out-of-band rather than CA-signed.
func DefaultStreamTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, // certificate is fingerprint-pinned by the join flow
		NextProtos:         []string{StreamALPN},
	}
}

func (t *StreamTransport) Kind() Kind { return KindStream }

// Attach opens the channel's stream, sends the subscribe handshake, and
// starts the read loop. Attaching an already-attached channel is an error.
func (t *StreamTransport) Attach(ctx context.Context, ch protocol.Channel, creds Credentials) error {
	if !ch.Valid() {
		return fmt.Errorf("transport: unknown channel %q", ch)
	}
	if _, ok := ch.ID(creds.Role); !ok {
		return fmt.Errorf("transport: channel %q not defined for role %s", ch, creds.Role)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if _, ok := t.channels[ch]; ok {
		t.mu.Unlock()
		return fmt.Errorf("transport: channel %q already attached", ch)
	}
	t.mu.Unlock()

	stream, err := t.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("transport: open stream for %q: %w", ch, err)
	}

	handshake := []byte(protocol.HandshakePrefix + string(ch))
	if err := protocol.WriteFrame(stream, handshake); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("transport: handshake for %q: %w", ch, err)
	}

	sc := &streamChannel{stream: stream}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		stream.CancelWrite(0)
		return ErrClosed
	}
	t.channels[ch] = sc
	t.mu.Unlock()

	go t.readLoop(ch, sc)

	t.log.Debug("channel attached", "channel", ch)
	return nil
}

func (t *StreamTransport) readLoop(ch protocol.Channel, sc *streamChannel) {
	fr := protocol.NewFrameReader(sc.stream)
	for {
		pkt, err := fr.Next()
		if err != nil {
			if err != io.EOF && !errors.Is(err, ErrClosed) {
				t.log.Debug("read loop ended", "channel", ch, "error", err)
			}
			return
		}
		t.mu.Lock()
		fn := t.handlers[ch]
		t.mu.Unlock()
		if fn != nil {
			fn(pkt)
		}
	}
}

// Send writes one framed packet on the channel's stream. QUIC stream writes
// block when the peer's flow-control window is exhausted, which is the
// backpressure signal; ctx bounds the wait.
func (t *StreamTransport) Send(ctx context.Context, ch protocol.Channel, pkt []byte) error {
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

	if deadline, ok := ctx.Deadline(); ok {
		_ = sc.stream.SetWriteDeadline(deadline)
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := protocol.WriteFrame(sc.stream, pkt); err != nil {
		return fmt.Errorf("transport: send on %q: %w", ch, err)
	}
	return nil
}

// OnMessage registers the receive callback for one channel, replacing any
// previous handler.
func (t *StreamTransport) OnMessage(ch protocol.Channel, fn MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[ch] = fn
}

// Close cancels all channel streams and closes the connection.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := t.channels
	t.channels = make(map[protocol.Channel]*streamChannel)
	t.mu.Unlock()

	for ch, sc := range channels {
		sc.stream.CancelRead(0)
		if err := sc.stream.Close(); err != nil {
			t.log.Debug("closing stream", "channel", ch, "error", err)
		}
	}
	return t.conn.CloseWithError(0, "session closed")
}
