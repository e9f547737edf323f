// Package subscribe implements the receive-side pipeline: transport messages
// are classified into commands and media, media symbols optionally pass
// through FEC reconstruction, and encoded chunks are decoded by a per-channel
// decoder whose state machine handles reconfiguration, keyframe gating, and
// bitrate switching.
package subscribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/codec"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/command"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/fec"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/media"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/transport"
)

// Event types surfaced through the EventFunc callback.
const (
	EventError          = "error"
	EventStreamStarted  = "stream_started"
	EventStreamStopped  = "stream_stopped"
	EventPublisherState = "publisher_state"
)

// FrameFunc receives every decoded frame that passes the forwarding gates.
type FrameFunc func(ch protocol.Channel, frame *media.Frame)

// EventFunc receives channel-scoped status and error events.
type EventFunc func(eventType string, ch protocol.Channel, message string)

// Config assembles a Subscriber. Transport and Registry are required; nil
// callbacks are replaced with no-ops.
type Config struct {
	Transport transport.Adapter
	Registry  *codec.Registry

	// ActiveVideo is the initially forwarded quality channel.
	ActiveVideo protocol.Channel

	OnFrame FrameFunc
	OnEvent EventFunc
	Log     *slog.Logger
}

// Subscriber drains one transport's channels into decoded frames. One
// Subscriber owns all per-channel decoder state for its session; nothing is
// shared between sessions.
type Subscriber struct {
	log      *slog.Logger
	registry *codec.Registry
	tr       transport.Adapter
	dispatch *command.Dispatcher
	switcher *Switcher
	fecWork  *fec.Worker

	onFrame FrameFunc
	onEvent EventFunc

	mu         sync.Mutex
	runCtx     context.Context
	closed     bool
	channels   map[protocol.Channel]*channelState
	pendingFEC map[string]mediaMeta
}

// mediaMeta is the packet header context remembered across an asynchronous
// FEC round trip, keyed by request ID.
type mediaMeta struct {
	channel     protocol.Channel
	frameType   protocol.FrameType
	timestampMs uint32
}

// New creates a Subscriber. Call Run to start the FEC worker, Bind per
// channel, and Close on teardown.
func New(cfg Config) (*Subscriber, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("subscribe: transport is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("subscribe: codec registry is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "subscriber")

	s := &Subscriber{
		log:        log,
		registry:   cfg.Registry,
		tr:         cfg.Transport,
		fecWork:    fec.NewWorker(log),
		onFrame:    cfg.OnFrame,
		onEvent:    cfg.OnEvent,
		runCtx:     context.Background(),
		channels:   make(map[protocol.Channel]*channelState),
		pendingFEC: make(map[string]mediaMeta),
	}
	if s.onFrame == nil {
		s.onFrame = func(protocol.Channel, *media.Frame) {}
	}
	if s.onEvent == nil {
		s.onEvent = func(string, protocol.Channel, string) {}
	}

	s.switcher = NewSwitcher(cfg.ActiveVideo, cfg.Transport.Send, s.rearmKeyframeGate, log)

	d := command.NewDispatcher(log)
	d.Handle(command.TypeStreamConfig, s.handleStreamConfig)
	d.Handle(command.TypeFECConfig, s.handleFECConfig)
	d.Handle(command.TypeStartStream, func(ch protocol.Channel, _ command.Message) {
		s.onEvent(EventStreamStarted, ch, "")
	})
	d.Handle(command.TypeStopStream, func(ch protocol.Channel, _ command.Message) {
		s.onEvent(EventStreamStopped, ch, "")
	})
	d.Handle(command.TypePublisherState, s.handlePublisherState)
	d.Handle(command.TypePing, func(protocol.Channel, command.Message) {})
	s.dispatch = d

	return s, nil
}

// Run drives the FEC worker and its result loop until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.fecWork.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		s.drainFECResults()
		return nil
	})
	return g.Wait()
}

// Bind registers the receive path for ch and attaches it on the transport.
// The handler is installed before the attach so no early message is lost.
func (s *Subscriber) Bind(ctx context.Context, ch protocol.Channel, creds transport.Credentials) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("subscribe: closed")
	}
	if _, exists := s.channels[ch]; !exists {
		s.channels[ch] = &channelState{channel: ch}
	}
	s.mu.Unlock()

	s.tr.OnMessage(ch, func(msg []byte) { s.handleMessage(ch, msg) })
	if err := s.tr.Attach(ctx, ch, creds); err != nil {
		return fmt.Errorf("subscribe: attach %q: %w", ch, err)
	}
	return nil
}

// SwitchBitrate moves the forwarded video quality to target. Switching to the
// current channel is a no-op.
func (s *Subscriber) SwitchBitrate(ctx context.Context, target protocol.Channel) error {
	return s.switcher.Switch(ctx, target)
}

// ActiveVideo returns the currently forwarded quality channel.
func (s *Subscriber) ActiveVideo() protocol.Channel { return s.switcher.Active() }

// Lifecycle reports the decoder state machine position for ch.
func (s *Subscriber) Lifecycle(ch protocol.Channel) Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.channels[ch]
	if st == nil {
		return LifecycleUnconfigured
	}
	return st.lifecycle
}

// handleMessage classifies one transport message and routes it.
func (s *Subscriber) handleMessage(ch protocol.Channel, msg []byte) {
	cl := protocol.Classify(msg)
	switch cl.Class {
	case protocol.ClassCommand:
		if err := s.dispatch.Dispatch(ch, cl.Command); err != nil {
			s.log.Warn("bad command", "channel", ch, "error", err)
		}
	case protocol.ClassHandshake:
		s.log.Debug("handshake observed", "channel", cl.HandshakeChannel)
	case protocol.ClassMedia:
		hdr, err := protocol.DecodeHeader(cl.Media)
		if err != nil {
			s.onEvent(EventError, ch, err.Error())
			return
		}
		s.handleMedia(ch, hdr, cl.Media[hdr.PayloadOffset:])
	}
}

// handleMedia routes one media packet: through the FEC worker when the
// channel runs under FEC, straight to the decoder otherwise.
func (s *Subscriber) handleMedia(ch protocol.Channel, hdr protocol.Header, payload []byte) {
	if hdr.FrameType == protocol.FramePing {
		return
	}
	if !hdr.FrameType.IsVideo() && hdr.FrameType != protocol.FrameAudio {
		s.log.Debug("unexpected binary frame type", "channel", ch, "frameType", hdr.FrameType)
		return
	}

	s.mu.Lock()
	st := s.channels[ch]
	fecEnabled := st != nil && st.fecEnabled
	ctx := s.runCtx
	s.mu.Unlock()

	if !fecEnabled {
		s.decodeChunk(ch, hdr.FrameType, hdr.TimestampMs, payload)
		return
	}

	id := fec.NewRequestID()
	s.mu.Lock()
	s.pendingFEC[id] = mediaMeta{channel: ch, frameType: hdr.FrameType, timestampMs: hdr.TimestampMs}
	s.mu.Unlock()

	err := s.fecWork.Enqueue(ctx, fec.Request{
		ID:        id,
		Op:        fec.OpDecode,
		StreamKey: string(ch),
		Seq:       hdr.SequenceNumber,
		Symbol:    payload,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.pendingFEC, id)
		s.mu.Unlock()
		s.log.Warn("fec enqueue failed", "channel", ch, "error", err)
	}
}

// drainFECResults consumes worker replies, correlating each to the packet
// header remembered at enqueue time. A reply carrying a reconstructed chunk
// enters the decode path exactly once.
func (s *Subscriber) drainFECResults() {
	for res := range s.fecWork.Results() {
		s.mu.Lock()
		meta, ok := s.pendingFEC[res.ID]
		delete(s.pendingFEC, res.ID)
		s.mu.Unlock()

		if res.Err != nil {
			s.log.Warn("fec request failed", "stream", res.StreamKey, "error", res.Err)
			continue
		}
		if ok && res.Chunk != nil {
			s.decodeChunk(meta.channel, meta.frameType, meta.timestampMs, res.Chunk)
		}
	}
}

// decodeChunk runs one encoded chunk through the channel's decoder, applying
// keyframe gating. Deltas before the first keyframe are decoded to warm the
// decoder but their output is withheld by the forwarding gate; deltas after a
// decode error are dropped outright until the next keyframe, since the fresh
// decoder has no reference to decode them against.
func (s *Subscriber) decodeChunk(ch protocol.Channel, ft protocol.FrameType, tsMs uint32, payload []byte) {
	s.mu.Lock()
	st := s.channels[ch]
	if st == nil || st.lifecycle == LifecycleUnconfigured || st.lifecycle == LifecycleClosed {
		s.mu.Unlock()
		s.log.Debug("media before stream_config dropped", "channel", ch, "frameType", ft)
		return
	}
	if ft.IsDelta() && st.warmup {
		s.mu.Unlock()
		return
	}
	if ft.IsKeyframe() {
		st.keyframeSeen = true
		st.warmup = false
	}
	if st.lifecycle == LifecycleConfigured {
		st.lifecycle = LifecycleDecoding
	}
	dec := st.decoder
	s.mu.Unlock()

	chunkType := codec.ChunkKey
	if ft.IsDelta() {
		chunkType = codec.ChunkDelta
	}
	if err := dec.Decode(codec.Chunk{Type: chunkType, TimestampMs: tsMs, Data: payload}); err != nil {
		s.recoverDecoder(ch, err)
	}
}

// shouldForward is the forwarding gate checked as each decoded frame emerges:
// the channel must have seen a keyframe since its last reset, and video must
// be on the active quality channel. Decoding still happens for gated frames.
func (s *Subscriber) shouldForward(ch protocol.Channel) bool {
	s.mu.Lock()
	st := s.channels[ch]
	keyframeSeen := st != nil && st.keyframeSeen
	s.mu.Unlock()

	if !keyframeSeen {
		return false
	}
	if ch.IsVideo() {
		if active := s.switcher.Active(); active != "" && active != ch {
			return false
		}
	}
	return true
}

// recoverDecoder rebuilds ch's decoder after a decode error. The session
// survives: the channel drops back to Configured, re-arms keyframe gating,
// and drops deltas until the next keyframe.
func (s *Subscriber) recoverDecoder(ch protocol.Channel, cause error) {
	s.onEvent(EventError, ch, cause.Error())
	s.log.Warn("decode error, recreating decoder", "channel", ch, "error", cause)

	s.mu.Lock()
	st := s.channels[ch]
	if st == nil || st.lifecycle == LifecycleClosed {
		s.mu.Unlock()
		return
	}
	cfg := st.cfg
	old := st.decoder
	s.mu.Unlock()

	dec, err := s.newDecoder(ch, cfg)

	s.mu.Lock()
	if err != nil {
		st.decoder = nil
		st.lifecycle = LifecycleUnconfigured
	} else {
		st.decoder = dec
		st.lifecycle = LifecycleConfigured
	}
	st.keyframeSeen = !ch.IsVideo()
	st.warmup = ch.IsVideo()
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if err != nil {
		s.onEvent(EventError, ch, err.Error())
	}
}

// handleStreamConfig creates or recreates the channel's decoder from the
// publisher's stream_config. The decoder is recreated, never reconfigured in
// place, so a handle broken by a previous close cannot leak forward.
func (s *Subscriber) handleStreamConfig(ch protocol.Channel, msg command.Message) {
	if ch.IsControl() {
		s.log.Warn("stream_config on control channel ignored")
		return
	}
	var sc command.StreamConfig
	if err := command.DecodeData(msg, &sc); err != nil {
		s.onEvent(EventError, ch, err.Error())
		return
	}

	cfg := codec.DecoderConfig{
		Codec:       sc.Codec,
		CodedWidth:  sc.CodedWidth,
		CodedHeight: sc.CodedHeight,
		SampleRate:  sc.SampleRate,
		Channels:    sc.Channels,
		Description: sc.Description,
	}

	dec, err := s.newDecoder(ch, cfg)
	if err != nil {
		s.onEvent(EventError, ch, err.Error())
		s.log.Error("decoder create failed", "channel", ch, "codec", sc.Codec, "error", err)
		return
	}

	s.mu.Lock()
	st := s.channels[ch]
	if st == nil {
		st = &channelState{channel: ch}
		s.channels[ch] = st
	}
	old := st.decoder
	st.decoder = dec
	st.cfg = cfg
	st.lifecycle = LifecycleConfigured
	st.keyframeSeen = !ch.IsVideo()
	st.warmup = false
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s.log.Info("channel configured", "channel", ch, "codec", sc.Codec)
}

func (s *Subscriber) newDecoder(ch protocol.Channel, cfg codec.DecoderConfig) (codec.Decoder, error) {
	kind := media.KindAudio
	if ch.IsVideo() {
		kind = media.KindVideo
	}
	out := func(f *media.Frame) {
		if s.shouldForward(ch) {
			s.onFrame(ch, f)
		}
	}
	onErr := func(err error) { s.recoverDecoder(ch, err) }
	return s.registry.NewDecoder(kind, cfg, out, onErr)
}

// handleFECConfig arms FEC reconstruction for the channel. The parameters are
// handed to the worker; from then on every media packet on the channel is
// treated as one symbol.
func (s *Subscriber) handleFECConfig(ch protocol.Channel, msg command.Message) {
	var fc command.FECConfig
	if err := command.DecodeData(msg, &fc); err != nil {
		s.onEvent(EventError, ch, err.Error())
		return
	}
	if err := fc.Parameters.Validate(); err != nil {
		s.onEvent(EventError, ch, err.Error())
		return
	}

	s.mu.Lock()
	st := s.channels[ch]
	if st == nil {
		st = &channelState{channel: ch}
		s.channels[ch] = st
	}
	st.fecEnabled = true
	st.fecParams = fc.Parameters
	st.fecRepair = fc.RepairSymbols
	ctx := s.runCtx
	s.mu.Unlock()

	err := s.fecWork.Enqueue(ctx, fec.Request{
		ID:        fec.NewRequestID(),
		Op:        fec.OpConfigure,
		StreamKey: string(ch),
		Params:    fc.Parameters,
		Repair:    fc.RepairSymbols,
	})
	if err != nil {
		s.log.Warn("fec configure enqueue failed", "channel", ch, "error", err)
		return
	}
	s.log.Info("fec enabled", "channel", ch,
		"sourceSymbols", fc.Parameters.SourceSymbols(), "repairSymbols", fc.RepairSymbols)
}

func (s *Subscriber) handlePublisherState(ch protocol.Channel, msg command.Message) {
	var ps command.PublisherState
	if err := command.DecodeData(msg, &ps); err != nil {
		s.log.Warn("bad publisher_state", "channel", ch, "error", err)
		return
	}
	s.onEvent(EventPublisherState, ch, fmt.Sprintf(
		"audio=%t video=%t hardware=%t fec=%t",
		ps.AudioEnabled, ps.VideoEnabled, ps.HardwareVideo, ps.FECEnabled))
}

// rearmKeyframeGate clears the keyframe gate after a bitrate switch so the
// new active channel withholds deltas until its next keyframe.
func (s *Subscriber) rearmKeyframeGate(ch protocol.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.channels[ch]; st != nil && ch.IsVideo() {
		st.keyframeSeen = false
	}
}

// Close closes every channel decoder and marks the subscriber closed. The
// transport is owned by the session and closed there.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	states := make([]*channelState, 0, len(s.channels))
	for _, st := range s.channels {
		st.lifecycle = LifecycleClosed
		states = append(states, st)
	}
	s.mu.Unlock()

	var errs []error
	for _, st := range states {
		if st.decoder != nil {
			if err := st.decoder.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q decoder: %w", st.channel, err))
			}
		}
	}
	return errors.Join(errs...)
}
