package subscribe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/command"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
)

// SendFunc transmits one command message on a channel's transport.
type SendFunc func(ctx context.Context, ch protocol.Channel, payload []byte) error

// Switcher enforces at-most-one-active-quality semantics for video: the
// active channel is the only one whose decoded frames are forwarded. A switch
// pauses the old channel, resumes the new one, and re-arms keyframe gating on
// the target.
type Switcher struct {
	log  *slog.Logger
	send SendFunc

	// onSwitched re-arms keyframe gating for the new active channel.
	onSwitched func(protocol.Channel)

	mu      sync.Mutex
	active  protocol.Channel
	pending protocol.Channel
}

// NewSwitcher creates a Switcher with active as the initial quality channel.
func NewSwitcher(active protocol.Channel, send SendFunc, onSwitched func(protocol.Channel), log *slog.Logger) *Switcher {
	if log == nil {
		log = slog.Default()
	}
	return &Switcher{
		log:        log.With("component", "bitrate-switcher"),
		send:       send,
		onSwitched: onSwitched,
		active:     active,
	}
}

// Active returns the channel whose decoded video frames are forwarded.
func (s *Switcher) Active() protocol.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Switch moves the active quality to target. Switching to the channel that is
// already active sends nothing and mutates nothing. Otherwise exactly one
// pause_stream goes to the current channel and exactly one resume_stream to
// the target, and the target's keyframe gate is re-armed so deltas are
// withheld until its next keyframe.
func (s *Switcher) Switch(ctx context.Context, target protocol.Channel) error {
	if !target.IsVideo() {
		return fmt.Errorf("subscribe: %q is not a video channel", target)
	}

	s.mu.Lock()
	if target == s.active {
		s.mu.Unlock()
		return nil
	}
	from := s.active
	s.pending = target
	s.mu.Unlock()

	pause, err := command.Encode(command.TypePauseStream, nil)
	if err != nil {
		return err
	}
	resume, err := command.Encode(command.TypeResumeStream, nil)
	if err != nil {
		return err
	}

	if from != "" {
		if err := s.send(ctx, from, pause); err != nil {
			s.clearPending()
			return fmt.Errorf("subscribe: pause %q: %w", from, err)
		}
	}
	if err := s.send(ctx, target, resume); err != nil {
		s.clearPending()
		return fmt.Errorf("subscribe: resume %q: %w", target, err)
	}

	s.mu.Lock()
	s.active = target
	s.pending = ""
	s.mu.Unlock()

	if s.onSwitched != nil {
		s.onSwitched(target)
	}
	s.log.Info("bitrate switched", "from", from, "to", target)
	return nil
}

func (s *Switcher) clearPending() {
	s.mu.Lock()
	s.pending = ""
	s.mu.Unlock()
}
