package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
)

// Buffered-amount watermarks for data-channel backpressure: sending pauses
// above the high mark and resumes once the low-threshold callback fires.
const (
	dcHighWaterMark = 256 * 1024
	dcLowWaterMark  = 64 * 1024
)

// DataChannelTransport carries each logical channel on its own pre-negotiated
// WebRTC data channel. Channels are negotiated out-of-band using the fixed
// per-role channel ID table, so both peers create matching channels without
// in-band negotiation messages.
type DataChannelTransport struct {
	log *slog.Logger
	pc  *webrtc.PeerConnection

	mu       sync.Mutex
	closed   bool
	channels map[protocol.Channel]*dataChannel
	handlers map[protocol.Channel]MessageHandler
}

type dataChannel struct {
	dc        *webrtc.DataChannel
	sendReady chan struct{}
}

// NewDataChannelTransport wraps an established peer connection. Signaling
// (offer/answer, ICE) is the caller's concern; the transport only creates
// negotiated data channels on top.
func NewDataChannelTransport(pc *webrtc.PeerConnection, log *slog.Logger) *DataChannelTransport {
	if log == nil {
		log = slog.Default()
	}
	return &DataChannelTransport{
		log:      log.With("component", "datachannel-transport"),
		pc:       pc,
		channels: make(map[protocol.Channel]*dataChannel),
		handlers: make(map[protocol.Channel]MessageHandler),
	}
}

func (t *DataChannelTransport) Kind() Kind { return KindDataChannel }

// Attach creates the channel's negotiated data channel, waits for it to
// open, and sends the subscribe handshake as its first message.
func (t *DataChannelTransport) Attach(ctx context.Context, ch protocol.Channel, creds Credentials) error {
	id, ok := ch.ID(creds.Role)
	if !ok {
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

	negotiated := true
	ordered := true
	raw, err := t.pc.CreateDataChannel(string(ch), &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
		Ordered:    &ordered,
	})
	if err != nil {
		return fmt.Errorf("transport: create data channel %q: %w", ch, err)
	}

	dc := &dataChannel{
		dc:        raw,
		sendReady: make(chan struct{}, 1),
	}

	raw.SetBufferedAmountLowThreshold(dcLowWaterMark)
	raw.OnBufferedAmountLow(func() {
		select {
		case dc.sendReady <- struct{}{}:
		default:
		}
	})

	opened := make(chan struct{})
	var openOnce sync.Once
	raw.OnOpen(func() {
		openOnce.Do(func() { close(opened) })
	})

	raw.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		fn := t.handlers[ch]
		t.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})

	select {
	case <-opened:
	case <-ctx.Done():
		_ = raw.Close()
		return fmt.Errorf("transport: waiting for data channel %q: %w", ch, ctx.Err())
	}

	if err := raw.SendText(protocol.HandshakePrefix + string(ch)); err != nil {
		_ = raw.Close()
		return fmt.Errorf("transport: handshake for %q: %w", ch, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = raw.Close()
		return ErrClosed
	}
	t.channels[ch] = dc
	t.mu.Unlock()

	t.log.Debug("channel attached", "channel", ch, "id", id)
	return nil
}

// Send transmits one packet as a single data-channel message. When the
// buffered amount exceeds the high watermark, Send blocks until the low
// threshold fires or ctx is cancelled.
func (t *DataChannelTransport) Send(ctx context.Context, ch protocol.Channel, pkt []byte) error {
	t.mu.Lock()
	dc := t.channels[ch]
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if dc == nil {
		return fmt.Errorf("%w: %q", ErrChannelNotAttached, ch)
	}

	if dc.dc.BufferedAmount() > dcHighWaterMark {
		select {
		case <-dc.sendReady:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := dc.dc.Send(pkt); err != nil {
		return fmt.Errorf("transport: send on %q: %w", ch, err)
	}
	return nil
}

// OnMessage registers the receive callback for one channel.
func (t *DataChannelTransport) OnMessage(ch protocol.Channel, fn MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[ch] = fn
}

// Close closes every data channel and the peer connection.
func (t *DataChannelTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := t.channels
	t.channels = make(map[protocol.Channel]*dataChannel)
	t.mu.Unlock()

	for ch, dc := range channels {
		if err := dc.dc.Close(); err != nil {
			t.log.Debug("closing data channel", "channel", ch, "error", err)
		}
	}
	return t.pc.Close()
}
