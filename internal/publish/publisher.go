// Package publish implements the send-side pipeline: captured frames are
// encoded by the codec capability layer, optionally expanded into FEC blocks,
// packetized with per-channel sequence numbers, and written to the transport.
// The control plane (pause/resume, heartbeat, publisher state) rides the same
// channels as JSON commands.
package publish

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
	EventError        = "error"
	EventFrameDropped = "frame_dropped"
)

// EventFunc receives channel-scoped status and error events.
type EventFunc func(eventType string, ch protocol.Channel, message string)

// FECOptions enables forward error correction for one channel. Redundancy is
// the repair ratio; MaxChunkBytes bounds the largest encoded chunk a block
// must carry and fixes the block geometry for the session.
type FECOptions struct {
	Redundancy    float64
	MaxChunkBytes int
}

// Config assembles a Publisher.
type Config struct {
	Transport transport.Adapter
	Registry  *codec.Registry

	OnEvent EventFunc
	Log     *slog.Logger
}

// Publisher owns the send side of one session: per-channel encoders and
// sequence counters, the FEC worker, and the control-plane heartbeat.
type Publisher struct {
	log      *slog.Logger
	registry *codec.Registry
	tr       transport.Adapter
	dispatch *command.Dispatcher
	beat     *command.Heartbeat
	fecWork  *fec.Worker
	onEvent  EventFunc

	// ctx spans the publisher's lifetime so channel goroutines started by
	// OpenChannel outlive any single Run call's ctx only until Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	channels map[protocol.Channel]*channelStream
	pending  map[string]pendingBlock // FEC request ID -> origin chunk header
}

// pendingBlock carries one chunk's packet header across the asynchronous FEC
// round trip, keyed by request ID. Keeping the header here rather than on the
// channel keeps pipelined chunks from borrowing each other's frame type.
type pendingBlock struct {
	st *channelStream
	ft protocol.FrameType
	ts uint32
}

// channelStream is one channel's encode path. seq and block counters are
// guarded by the owning Publisher's mutex.
type channelStream struct {
	channel protocol.Channel
	keyFT   protocol.FrameType
	deltaFT protocol.FrameType

	encoder codec.Encoder
	encCfg  codec.EncoderConfig
	queue   chan *media.Frame

	seq        uint32
	paused     bool
	fecEnabled bool
	fecSent    bool
	fecParams  fec.Parameters
	fecRepair  int
	redundancy float64
}

// New creates a Publisher. Call Run to start the FEC worker and heartbeat,
// OpenChannel per channel, and Close on teardown.
func New(cfg Config) (*Publisher, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("publish: transport is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("publish: codec registry is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "publisher")

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		log:      log,
		registry: cfg.Registry,
		tr:       cfg.Transport,
		fecWork:  fec.NewWorker(log),
		onEvent:  cfg.OnEvent,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[protocol.Channel]*channelStream),
		pending:  make(map[string]pendingBlock),
	}
	if p.onEvent == nil {
		p.onEvent = func(string, protocol.Channel, string) {}
	}

	p.beat = command.NewHeartbeat(func(hbCtx context.Context, ch protocol.Channel, t command.Type, data any) error {
		raw, err := command.Encode(t, data)
		if err != nil {
			return err
		}
		return p.tr.Send(hbCtx, ch, raw)
	}, log)

	d := command.NewDispatcher(log)
	d.Handle(command.TypePauseStream, func(ch protocol.Channel, _ command.Message) {
		p.setPaused(ch, true)
	})
	d.Handle(command.TypeResumeStream, func(ch protocol.Channel, _ command.Message) {
		p.setPaused(ch, false)
	})
	d.Handle(command.TypeStopStream, func(ch protocol.Channel, _ command.Message) {
		p.setPaused(ch, true)
	})
	d.Handle(command.TypeStartStream, func(ch protocol.Channel, _ command.Message) {
		p.setPaused(ch, false)
	})
	d.Handle(command.TypePing, func(protocol.Channel, command.Message) {})
	p.dispatch = d

	return p, nil
}

// Run drives the FEC worker, its result loop, and the heartbeat until ctx is
// cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	p.beat.Start(ctx)
	defer p.beat.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := p.fecWork.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		p.drainFECResults()
		return nil
	})
	return g.Wait()
}

// AttachControl binds and attaches the meeting_control channel, routing its
// incoming commands through the dispatcher.
func (p *Publisher) AttachControl(ctx context.Context, creds transport.Credentials) error {
	ch := protocol.ChannelMeetingControl
	p.tr.OnMessage(ch, func(msg []byte) { p.handleControl(ch, msg) })
	if err := p.tr.Attach(ctx, ch, creds); err != nil {
		return fmt.Errorf("publish: attach control: %w", err)
	}
	return nil
}

// OpenChannel attaches ch, creates its encoder, and starts its encode loop.
// fecOpts may be nil to publish without FEC on this channel.
func (p *Publisher) OpenChannel(ctx context.Context, ch protocol.Channel, creds transport.Credentials, encCfg codec.EncoderConfig, fecOpts *FECOptions) error {
	if ch.IsControl() {
		return fmt.Errorf("publish: %q is not a media channel", ch)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("publish: closed")
	}
	if _, exists := p.channels[ch]; exists {
		p.mu.Unlock()
		return fmt.Errorf("publish: channel %q already open", ch)
	}
	p.mu.Unlock()

	st := &channelStream{channel: ch, encCfg: encCfg}
	if ch.IsVideo() {
		key, delta, ok := protocol.VideoFrameTypes(ch)
		if !ok {
			return fmt.Errorf("publish: no frame types for %q", ch)
		}
		st.keyFT, st.deltaFT = key, delta
		st.queue = make(chan *media.Frame, media.VideoQueueDepth)
	} else {
		st.keyFT, st.deltaFT = protocol.FrameAudio, protocol.FrameAudio
		st.queue = make(chan *media.Frame, media.AudioQueueDepth)
	}

	if fecOpts != nil {
		maxChunk := fecOpts.MaxChunkBytes
		if maxChunk <= 0 {
			maxChunk = 64 * 1024
		}
		st.fecEnabled = true
		st.fecParams = fec.Configure(maxChunk)
		st.fecRepair = st.fecParams.RepairSymbols(fecOpts.Redundancy)
		st.redundancy = fecOpts.Redundancy
	}

	kind := media.KindAudio
	if ch.IsVideo() {
		kind = media.KindVideo
	}
	enc, err := p.registry.NewEncoder(kind, encCfg,
		func(chunk codec.Chunk) { p.onChunk(st, chunk) },
		func(err error) {
			p.onEvent(EventError, ch, err.Error())
			p.log.Warn("encoder error", "channel", ch, "error", err)
		},
	)
	if err != nil {
		return fmt.Errorf("publish: encoder for %q: %w", ch, err)
	}
	st.encoder = enc

	p.tr.OnMessage(ch, func(msg []byte) { p.handleControl(ch, msg) })
	if err := p.tr.Attach(ctx, ch, creds); err != nil {
		_ = enc.Close()
		return fmt.Errorf("publish: attach %q: %w", ch, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = enc.Close()
		return fmt.Errorf("publish: closed")
	}
	p.channels[ch] = st
	p.mu.Unlock()

	go p.encodeLoop(st)

	p.log.Info("channel open", "channel", ch, "codec", encCfg.Codec, "fec", st.fecEnabled)
	return nil
}

// Submit hands one captured frame to ch's encode queue. When a video queue is
// full the incoming frame is dropped; audio submission blocks instead, since
// audio is never dropped.
func (p *Publisher) Submit(ch protocol.Channel, frame *media.Frame) error {
	p.mu.Lock()
	st := p.channels[ch]
	p.mu.Unlock()
	if st == nil {
		return fmt.Errorf("publish: channel %q not open", ch)
	}

	if ch.IsVideo() {
		select {
		case st.queue <- frame:
		default:
			p.onEvent(EventFrameDropped, ch, "encode queue full")
			p.log.Debug("video frame dropped", "channel", ch)
		}
		return nil
	}

	select {
	case st.queue <- frame:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

func (p *Publisher) encodeLoop(st *channelStream) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case frame := <-st.queue:
			if err := st.encoder.Encode(frame); err != nil {
				p.onEvent(EventError, st.channel, err.Error())
				p.log.Warn("encode failed", "channel", st.channel, "error", err)
			}
		}
	}
}

// onChunk handles one encoded chunk: stream_config rides ahead of the first
// packet after every (re)configuration, fec_config ahead of the first block,
// then the chunk is packetized directly or expanded into an FEC block.
func (p *Publisher) onChunk(st *channelStream, chunk codec.Chunk) {
	ch := st.channel

	p.mu.Lock()
	paused := st.paused
	p.mu.Unlock()
	if paused {
		return
	}

	if chunk.DecoderConfig != nil {
		if err := p.sendStreamConfig(st, chunk.DecoderConfig); err != nil {
			p.onEvent(EventError, ch, err.Error())
			return
		}
	}

	ft := st.keyFT
	if chunk.Type == codec.ChunkDelta {
		ft = st.deltaFT
	}

	if !st.fecEnabled {
		// Sequence numbers start at 0 on every channel, matching the FEC
		// path's block-to-sequence mapping.
		p.mu.Lock()
		seq := st.seq
		st.seq++
		p.mu.Unlock()

		pkt := &protocol.Packet{SequenceNumber: seq, TimestampMs: chunk.TimestampMs, FrameType: ft, Payload: chunk.Data}
		if err := p.tr.Send(p.ctx, ch, pkt.Encode()); err != nil {
			p.onEvent(EventError, ch, err.Error())
		}
		return
	}

	if !st.fecSent {
		raw, err := command.Encode(command.TypeFECConfig, command.FECConfig{
			Parameters:    st.fecParams,
			RepairSymbols: st.fecRepair,
		})
		if err != nil {
			p.onEvent(EventError, ch, err.Error())
			return
		}
		if err := p.tr.Send(p.ctx, ch, raw); err != nil {
			p.onEvent(EventError, ch, err.Error())
			return
		}
		st.fecSent = true
	}

	id := fec.NewRequestID()
	p.mu.Lock()
	p.pending[id] = pendingBlock{st: st, ft: ft, ts: chunk.TimestampMs}
	p.mu.Unlock()

	err := p.fecWork.Enqueue(p.ctx, fec.Request{
		ID:         id,
		Op:         fec.OpEncode,
		StreamKey:  string(ch),
		Params:     st.fecParams,
		Chunk:      chunk.Data,
		Redundancy: st.redundancy,
	})
	if err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		p.onEvent(EventError, ch, err.Error())
	}
}

func (p *Publisher) sendStreamConfig(st *channelStream, description []byte) error {
	cfg := st.encCfg
	sc := command.StreamConfig{
		Codec:       cfg.Codec,
		CodedWidth:  cfg.Width,
		CodedHeight: cfg.Height,
		FrameRate:   cfg.FrameRate,
		SampleRate:  cfg.SampleRate,
		Channels:    cfg.Channels,
		Description: description,
	}
	raw, err := command.Encode(command.TypeStreamConfig, sc)
	if err != nil {
		return err
	}
	if err := p.tr.Send(p.ctx, st.channel, raw); err != nil {
		return fmt.Errorf("publish: stream_config on %q: %w", st.channel, err)
	}
	p.log.Info("stream_config sent", "channel", st.channel, "codec", sc.Codec)
	return nil
}

// drainFECResults turns completed FEC blocks into packets. Symbol i of block
// b goes out under sequence number b*(K+R)+i; blocks complete in enqueue
// order because the worker is single-threaded, so sequence numbers ascend.
func (p *Publisher) drainFECResults() {
	for res := range p.fecWork.Results() {
		p.mu.Lock()
		pb, ok := p.pending[res.ID]
		delete(p.pending, res.ID)
		p.mu.Unlock()

		if res.Err != nil {
			p.log.Warn("fec encode failed", "stream", res.StreamKey, "error", res.Err)
			continue
		}
		if !ok || res.Block == nil {
			continue
		}

		st := pb.st
		p.mu.Lock()
		base := st.seq
		st.seq += uint32(res.Block.K + res.Block.R)
		p.mu.Unlock()

		for i, symbol := range res.Block.Symbols {
			pkt := &protocol.Packet{
				SequenceNumber: base + uint32(i),
				TimestampMs:    pb.ts,
				FrameType:      pb.ft,
				Payload:        symbol,
			}
			if err := p.tr.Send(p.ctx, st.channel, pkt.Encode()); err != nil {
				p.onEvent(EventError, st.channel, err.Error())
				break
			}
		}
	}
}

func (p *Publisher) handleControl(ch protocol.Channel, msg []byte) {
	cl := protocol.Classify(msg)
	if cl.Class != protocol.ClassCommand {
		return
	}
	if err := p.dispatch.Dispatch(ch, cl.Command); err != nil {
		p.log.Warn("bad command", "channel", ch, "error", err)
	}
}

// setPaused flips the channel's pause flag. Pausing an already-paused channel
// is a no-op; encoded chunks produced while paused are discarded.
func (p *Publisher) setPaused(ch protocol.Channel, paused bool) {
	p.mu.Lock()
	st := p.channels[ch]
	changed := st != nil && st.paused != paused
	if changed {
		st.paused = paused
	}
	p.mu.Unlock()

	if changed {
		p.log.Info("channel pause state", "channel", ch, "paused", paused)
	}
}

// Paused reports the pause flag for ch.
func (p *Publisher) Paused(ch protocol.Channel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.channels[ch]
	return st != nil && st.paused
}

// ReportState sends a publisher_state command on meeting_control.
func (p *Publisher) ReportState(ctx context.Context, state command.PublisherState) error {
	raw, err := command.Encode(command.TypePublisherState, state)
	if err != nil {
		return err
	}
	return p.tr.Send(ctx, protocol.ChannelMeetingControl, raw)
}

// Close stops the heartbeat and channel goroutines and closes every encoder.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	streams := make([]*channelStream, 0, len(p.channels))
	for _, st := range p.channels {
		streams = append(streams, st)
	}
	p.mu.Unlock()

	p.cancel()
	p.beat.Stop()

	var errs []error
	for _, st := range streams {
		if err := st.encoder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q encoder: %w", st.channel, err))
		}
	}
	return errors.Join(errs...)
}
