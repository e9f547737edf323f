package command

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
)

// HeartbeatInterval is the fixed ping cadence on the control channel. No
// reply is expected; liveness is inferred from the transport's own
// connection-level signals.
const HeartbeatInterval = 3 * time.Second

// SendFunc transmits one encoded command on a channel.
type SendFunc func(ctx context.Context, ch protocol.Channel, t Type, data any) error

// Heartbeat sends a ping command on meeting_control at a fixed interval.
// Start and Stop are idempotent.
type Heartbeat struct {
	log      *slog.Logger
	send     SendFunc
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat creates a stopped Heartbeat at the standard interval. If log
// is nil, slog.Default() is used.
func NewHeartbeat(send SendFunc, log *slog.Logger) *Heartbeat {
	return NewHeartbeatWithInterval(send, HeartbeatInterval, log)
}

// NewHeartbeatWithInterval creates a stopped Heartbeat with a custom cadence.
func NewHeartbeatWithInterval(send SendFunc, interval time.Duration, log *slog.Logger) *Heartbeat {
	if log == nil {
		log = slog.Default()
	}
	return &Heartbeat{
		log:      log.With("component", "heartbeat"),
		send:     send,
		interval: interval,
	}
}

// Start begins the ping ticker. Calling Start on a running heartbeat is a
// no-op. The ticker also stops when ctx is cancelled.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}

	hbCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	go h.run(hbCtx, h.done)
}

func (h *Heartbeat) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.send(ctx, protocol.ChannelMeetingControl, TypePing, nil); err != nil {
				// A failed ping is not fatal: the transport surfaces
				// connection loss through its own error path.
				h.log.Debug("ping send failed", "error", err)
			}
		}
	}
}

// Stop halts the ticker and waits for the sender goroutine to exit. Calling
// Stop on a stopped heartbeat is a no-op.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
