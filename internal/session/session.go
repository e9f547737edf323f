// Package session ties one participant's pipelines together: it gates channel
// access with the join token's permissions, fans pipeline events into one
// sink, and tears everything down in a fixed order where no step can block
// the rest.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/codec"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/command"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/media"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/publish"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/subscribe"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/transport"
)

// ErrNotPermitted is returned when the join token does not allow the
// requested channel operation.
var ErrNotPermitted = errors.New("session: not permitted by join token")

// Event is one status or error notification surfaced to the embedding
// application. Channel is empty for session-wide events.
type Event struct {
	Type    string
	Channel protocol.Channel
	Message string
}

// EventSink receives every event. It must not block.
type EventSink func(Event)

// StreamPermissions lists the channels the token holder may publish and
// subscribe to.
type StreamPermissions struct {
	Publish   []protocol.Channel
	Subscribe []protocol.Channel
}

// CanPublish reports whether ch may be published under these permissions.
func (p StreamPermissions) CanPublish(ch protocol.Channel) bool {
	return containsChannel(p.Publish, ch)
}

// CanSubscribe reports whether ch may be subscribed under these permissions.
func (p StreamPermissions) CanSubscribe(ch protocol.Channel) bool {
	return containsChannel(p.Subscribe, ch)
}

func containsChannel(list []protocol.Channel, ch protocol.Channel) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}

// JoinToken is the credential handed over by the room join flow. The token
// string is forwarded opaquely to the transport.
type JoinToken struct {
	Token         string
	RoomID        string
	ParticipantID string
	Role          protocol.Role
	Permissions   StreamPermissions
}

func (t JoinToken) credentials() transport.Credentials {
	return transport.Credentials{
		Token:         t.Token,
		RoomID:        t.RoomID,
		ParticipantID: t.ParticipantID,
		Role:          t.Role,
	}
}

// Config assembles a Session.
type Config struct {
	Transport transport.Adapter
	Registry  *codec.Registry
	Token     JoinToken

	// ActiveVideo is the initially forwarded subscribe quality.
	ActiveVideo protocol.Channel

	OnFrame subscribe.FrameFunc
	Events  EventSink
	Log     *slog.Logger
}

// Session owns both pipelines over one transport for one participant.
type Session struct {
	log   *slog.Logger
	tr    transport.Adapter
	token JoinToken

	pub *publish.Publisher
	sub *subscribe.Subscriber

	mu        sync.Mutex
	closed    bool
	published []protocol.Channel
}

// New creates a Session. Call Run to start the pipelines.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session: transport is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session: codec registry is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "session", "room", cfg.Token.RoomID, "participant", cfg.Token.ParticipantID)

	sink := cfg.Events
	if sink == nil {
		sink = func(Event) {}
	}
	emit := func(typ string, ch protocol.Channel, msg string) {
		sink(Event{Type: typ, Channel: ch, Message: msg})
	}

	pub, err := publish.New(publish.Config{
		Transport: cfg.Transport,
		Registry:  cfg.Registry,
		OnEvent:   emit,
		Log:       log,
	})
	if err != nil {
		return nil, err
	}

	sub, err := subscribe.New(subscribe.Config{
		Transport:   cfg.Transport,
		Registry:    cfg.Registry,
		ActiveVideo: cfg.ActiveVideo,
		OnFrame:     cfg.OnFrame,
		OnEvent:     emit,
		Log:         log,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		log:   log,
		tr:    cfg.Transport,
		token: cfg.Token,
		pub:   pub,
		sub:   sub,
	}, nil
}

// Run drives both pipelines until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pub.Run(ctx) })
	g.Go(func() error { return s.sub.Run(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// AttachControl brings up the meeting_control channel for the publish side.
func (s *Session) AttachControl(ctx context.Context) error {
	return s.pub.AttachControl(ctx, s.token.credentials())
}

// Publish opens ch for publishing after checking the token's permissions.
func (s *Session) Publish(ctx context.Context, ch protocol.Channel, encCfg codec.EncoderConfig, fecOpts *publish.FECOptions) error {
	if !s.token.Permissions.CanPublish(ch) {
		return fmt.Errorf("%w: publish %q", ErrNotPermitted, ch)
	}
	if err := s.pub.OpenChannel(ctx, ch, s.token.credentials(), encCfg, fecOpts); err != nil {
		return err
	}
	s.mu.Lock()
	s.published = append(s.published, ch)
	s.mu.Unlock()
	return nil
}

// Subscribe binds ch for receiving after checking the token's permissions.
func (s *Session) Subscribe(ctx context.Context, ch protocol.Channel) error {
	if !s.token.Permissions.CanSubscribe(ch) {
		return fmt.Errorf("%w: subscribe %q", ErrNotPermitted, ch)
	}
	return s.sub.Bind(ctx, ch, s.token.credentials())
}

// Submit hands one captured frame to the publish pipeline.
func (s *Session) Submit(ch protocol.Channel, frame *media.Frame) error {
	return s.pub.Submit(ch, frame)
}

// SwitchBitrate changes the forwarded subscribe quality. The target must be
// covered by the token's subscribe permissions.
func (s *Session) SwitchBitrate(ctx context.Context, target protocol.Channel) error {
	if !s.token.Permissions.CanSubscribe(target) {
		return fmt.Errorf("%w: subscribe %q", ErrNotPermitted, target)
	}
	return s.sub.SwitchBitrate(ctx, target)
}

// ReportState publishes the capability flags on meeting_control.
func (s *Session) ReportState(ctx context.Context, state command.PublisherState) error {
	return s.pub.ReportState(ctx, state)
}

// Close tears the session down in order: stop commands to the remote side
// (best effort), transport shutdown, codec shutdown, state cleared. Every
// step runs even when an earlier one fails; the errors are joined.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	published := s.published
	s.published = nil
	s.mu.Unlock()

	s.sendStopBestEffort(published)

	var errs []error
	if err := s.tr.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if err := s.sub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close decoders: %w", err))
	}
	// Publisher close also stops the heartbeat, the final teardown step.
	if err := s.pub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close encoders: %w", err))
	}
	return errors.Join(errs...)
}

// sendStopBestEffort signals the remote side before anything closes. Failures
// are logged, never propagated: the remote will also learn about the teardown
// from the transport's own close.
func (s *Session) sendStopBestEffort(published []protocol.Channel) {
	stop, err := command.Encode(command.TypeStopStream, nil)
	if err != nil {
		return
	}
	for _, ch := range published {
		if err := s.tr.Send(context.Background(), ch, stop); err != nil {
			s.log.Debug("stop_stream send failed", "channel", ch, "error", err)
		}
	}
}
