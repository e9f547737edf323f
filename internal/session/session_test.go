package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/codec"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/media"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/publish"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/subscribe"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/transport"
)

// pipeAdapter delivers every sent message straight to its peer's handler for
// the same channel, modelling two ends of one connection in memory.
type pipeAdapter struct {
	mu       sync.Mutex
	closed   bool
	peer     *pipeAdapter
	handlers map[protocol.Channel]transport.MessageHandler
}

func newPipePair() (*pipeAdapter, *pipeAdapter) {
	a := &pipeAdapter{handlers: make(map[protocol.Channel]transport.MessageHandler)}
	b := &pipeAdapter{handlers: make(map[protocol.Channel]transport.MessageHandler)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeAdapter) Kind() transport.Kind { return transport.KindSocket }

func (p *pipeAdapter) Attach(context.Context, protocol.Channel, transport.Credentials) error {
	return nil
}

func (p *pipeAdapter) Send(_ context.Context, ch protocol.Channel, pkt []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	p.peer.mu.Lock()
	fn := p.peer.handlers[ch]
	p.peer.mu.Unlock()
	if fn != nil {
		fn(append([]byte(nil), pkt...))
	}
	return nil
}

func (p *pipeAdapter) OnMessage(ch protocol.Channel, fn transport.MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[ch] = fn
}

func (p *pipeAdapter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fakeVideoProvider implements both directions: the encoder emits one chunk
// per frame (keyframe when the data starts with 'K', decoder description on
// the first chunk), the decoder emits one frame per chunk.
type fakeVideoProvider struct {
	kind media.Kind
}

func (p *fakeVideoProvider) Name() string                  { return "fake" }
func (p *fakeVideoProvider) Kind() media.Kind              { return p.kind }
func (p *fakeVideoProvider) Backend() codec.Backend        { return codec.BackendSoftware }
func (p *fakeVideoProvider) Probe(codec.ProbeConfig) error { return nil }
func (p *fakeVideoProvider) InputFormat() codec.BoxFormat  { return codec.BoxAny }

func (p *fakeVideoProvider) NewEncoder(out codec.ChunkFunc, _ codec.ErrorFunc) (codec.Encoder, error) {
	return &fakeEncoder{out: out}, nil
}

func (p *fakeVideoProvider) NewDecoder(out codec.FrameFunc, _ codec.ErrorFunc) (codec.Decoder, error) {
	return &fakeDecoder{out: out}, nil
}

type fakeEncoder struct {
	out   codec.ChunkFunc
	mu    sync.Mutex
	state codec.State
	first bool
}

func (e *fakeEncoder) Configure(codec.EncoderConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = codec.StateConfigured
	e.first = true
	return nil
}

func (e *fakeEncoder) Encode(frame *media.Frame) error {
	e.mu.Lock()
	if e.state != codec.StateConfigured {
		e.mu.Unlock()
		return codec.ErrUnconfigured
	}
	chunk := codec.Chunk{Type: codec.ChunkDelta, TimestampMs: frame.TimestampMs, Data: frame.Data}
	if len(frame.Data) > 0 && frame.Data[0] == 'K' {
		chunk.Type = codec.ChunkKey
	}
	if e.first {
		e.first = false
		chunk.DecoderConfig = []byte{0x01}
	}
	e.mu.Unlock()

	e.out(chunk)
	return nil
}

func (e *fakeEncoder) Flush() error { return nil }
func (e *fakeEncoder) Close() error { return nil }
func (e *fakeEncoder) State() codec.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

type fakeDecoder struct {
	out   codec.FrameFunc
	mu    sync.Mutex
	state codec.State
}

func (d *fakeDecoder) Configure(codec.DecoderConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = codec.StateConfigured
	return nil
}

func (d *fakeDecoder) Decode(chunk codec.Chunk) error {
	d.mu.Lock()
	if d.state != codec.StateConfigured {
		d.mu.Unlock()
		return codec.ErrUnconfigured
	}
	d.mu.Unlock()
	d.out(&media.Frame{TimestampMs: chunk.TimestampMs, Data: chunk.Data})
	return nil
}

func (d *fakeDecoder) Flush() error { return nil }
func (d *fakeDecoder) Close() error { return nil }
func (d *fakeDecoder) State() codec.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func newRegistry() *codec.Registry {
	reg := codec.NewRegistry(nil)
	reg.Register(&fakeVideoProvider{kind: media.KindVideo})
	reg.Register(&fakeVideoProvider{kind: media.KindAudio})
	return reg
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) has(typ string, ch protocol.Channel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == typ && e.Channel == ch {
			return true
		}
	}
	return false
}

type frameLog struct {
	mu     sync.Mutex
	frames []*media.Frame
}

func (l *frameLog) add(_ protocol.Channel, f *media.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
}

func (l *frameLog) wait(t *testing.T, n int) []*media.Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		l.mu.Lock()
		if len(l.frames) >= n {
			out := make([]*media.Frame, len(l.frames))
			copy(out, l.frames)
			l.mu.Unlock()
			return out
		}
		l.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func publisherToken() JoinToken {
	return JoinToken{
		Token: "pub-tok", RoomID: "room-1", ParticipantID: "alice", Role: protocol.RoleCamera,
		Permissions: StreamPermissions{
			Publish: []protocol.Channel{protocol.ChannelVideo720p, protocol.ChannelMic48k},
		},
	}
}

func subscriberToken() JoinToken {
	return JoinToken{
		Token: "sub-tok", RoomID: "room-1", ParticipantID: "bob", Role: protocol.RoleCamera,
		Permissions: StreamPermissions{
			Subscribe: []protocol.Channel{protocol.ChannelVideo720p, protocol.ChannelVideo360p, protocol.ChannelMic48k},
		},
	}
}

type rig struct {
	pub, sub *Session
	events   *eventLog
	frames   *frameLog
}

func newRig(t *testing.T) *rig {
	t.Helper()

	pubTr, subTr := newPipePair()
	events := &eventLog{}
	frames := &frameLog{}

	pub, err := New(Config{
		Transport: pubTr, Registry: newRegistry(), Token: publisherToken(), Events: events.sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	sub, err := New(Config{
		Transport: subTr, Registry: newRegistry(), Token: subscriberToken(),
		ActiveVideo: protocol.ChannelVideo720p,
		OnFrame:     frames.add, Events: events.sink,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { _ = pub.Run(ctx); done <- struct{}{} }()
	go func() { _ = sub.Run(ctx); done <- struct{}{} }()

	t.Cleanup(func() {
		pub.Close()
		sub.Close()
		cancel()
		<-done
		<-done
	})

	return &rig{pub: pub, sub: sub, events: events, frames: frames}
}

func TestPublishSubscribeEndToEnd(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	ctx := context.Background()

	if err := r.sub.Subscribe(ctx, protocol.ChannelVideo720p); err != nil {
		t.Fatal(err)
	}
	encCfg := codec.EncoderConfig{Codec: "avc1.42001f", Width: 1280, Height: 720, FrameRate: 30}
	if err := r.pub.Publish(ctx, protocol.ChannelVideo720p, encCfg, nil); err != nil {
		t.Fatal(err)
	}

	if err := r.pub.Submit(protocol.ChannelVideo720p, &media.Frame{Kind: media.KindVideo, Data: []byte("Kfirst")}); err != nil {
		t.Fatal(err)
	}
	if err := r.pub.Submit(protocol.ChannelVideo720p, &media.Frame{Kind: media.KindVideo, TimestampMs: 33, Data: []byte("delta")}); err != nil {
		t.Fatal(err)
	}

	frames := r.frames.wait(t, 2)
	if !bytes.Equal(frames[0].Data, []byte("Kfirst")) || !bytes.Equal(frames[1].Data, []byte("delta")) {
		t.Fatalf("forwarded frames = %q, %q", frames[0].Data, frames[1].Data)
	}
}

func TestPublishSubscribeWithFEC(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	ctx := context.Background()

	if err := r.sub.Subscribe(ctx, protocol.ChannelVideo720p); err != nil {
		t.Fatal(err)
	}
	encCfg := codec.EncoderConfig{Codec: "avc1.42001f", Width: 1280, Height: 720}
	fecOpts := &publish.FECOptions{Redundancy: 0.5, MaxChunkBytes: 8192}
	if err := r.pub.Publish(ctx, protocol.ChannelVideo720p, encCfg, fecOpts); err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte{0x5A}, 5000)
	payload[0] = 'K'
	if err := r.pub.Submit(protocol.ChannelVideo720p, &media.Frame{Kind: media.KindVideo, Data: payload}); err != nil {
		t.Fatal(err)
	}

	frames := r.frames.wait(t, 1)
	if !bytes.Equal(frames[0].Data, payload) {
		t.Fatalf("reconstructed frame differs: %d bytes vs %d", len(frames[0].Data), len(payload))
	}
}

func TestPermissionsGateChannels(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	ctx := context.Background()

	err := r.pub.Publish(ctx, protocol.ChannelVideo1080p, codec.EncoderConfig{Codec: "avc1.64002a"}, nil)
	if !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("publish without permission: %v", err)
	}
	err = r.sub.Subscribe(ctx, protocol.ChannelScreenShare720p)
	if !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("subscribe without permission: %v", err)
	}
	err = r.sub.SwitchBitrate(ctx, protocol.ChannelVideo1080p)
	if !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("switch without permission: %v", err)
	}
}

func TestCloseSignalsRemoteAndIsIdempotent(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	ctx := context.Background()

	if err := r.sub.Subscribe(ctx, protocol.ChannelVideo720p); err != nil {
		t.Fatal(err)
	}
	if err := r.pub.Publish(ctx, protocol.ChannelVideo720p, codec.EncoderConfig{Codec: "avc1.42001f"}, nil); err != nil {
		t.Fatal(err)
	}

	if err := r.pub.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.pub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !r.events.has(subscribe.EventStreamStopped, protocol.ChannelVideo720p) {
		select {
		case <-deadline:
			t.Fatal("remote never saw stop_stream")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
