// classroom-loopback runs the whole media pipeline against itself: a local
// QUIC relay, one publishing session feeding synthetic frames through a
// passthrough codec, and one subscribing session decoding and counting what
// arrives. It exists to exercise the wire protocol, FEC, and the decoder
// state machine end to end without real capture hardware.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/codec"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/media"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/publish"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/relay"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/session"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/subscribe"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/transport"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	relayAddr := envOr("RELAY_ADDR", "127.0.0.1:0")
	frameRate := 30
	keyInterval := 30

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	r, err := relay.Listen(relayAddr, nil)
	if err != nil {
		slog.Error("relay listen failed", "error", err)
		os.Exit(1)
	}
	defer r.Close()

	slog.Info("classroom-loopback starting", "version", version, "relay", r.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Serve(ctx) })

	pubSess, err := newPublisherSession(ctx, r.Addr())
	if err != nil {
		slog.Error("publisher session failed", "error", err)
		os.Exit(1)
	}
	defer pubSess.Close()

	var received atomic.Int64
	subSess, err := newSubscriberSession(ctx, r.Addr(), &received)
	if err != nil {
		slog.Error("subscriber session failed", "error", err)
		os.Exit(1)
	}
	defer subSess.Close()

	g.Go(func() error { return pubSess.Run(ctx) })
	g.Go(func() error { return subSess.Run(ctx) })

	if err := subSess.Subscribe(ctx, protocol.ChannelVideo720p); err != nil {
		slog.Error("subscribe failed", "error", err)
		os.Exit(1)
	}
	if err := pubSess.AttachControl(ctx); err != nil {
		slog.Error("control attach failed", "error", err)
		os.Exit(1)
	}

	encCfg := codec.EncoderConfig{Codec: "avc1.42001f", Width: 1280, Height: 720, FrameRate: float64(frameRate)}
	fecOpts := &publish.FECOptions{Redundancy: 0.3, MaxChunkBytes: 64 * 1024}
	if err := pubSess.Publish(ctx, protocol.ChannelVideo720p, encCfg, fecOpts); err != nil {
		slog.Error("publish failed", "error", err)
		os.Exit(1)
	}

	// Synthetic capture: one frame per tick, a keyframe every keyInterval.
	g.Go(func() error {
		ticker := time.NewTicker(time.Second / time.Duration(frameRate))
		defer ticker.Stop()
		var n int
		start := time.Now()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				frame := &media.Frame{
					Kind:        media.KindVideo,
					TimestampMs: uint32(time.Since(start).Milliseconds()),
					Width:       1280,
					Height:      720,
					Data:        syntheticFrame(n, n%keyInterval == 0),
				}
				if err := pubSess.Submit(protocol.ChannelVideo720p, frame); err != nil {
					return fmt.Errorf("submit: %w", err)
				}
				n++
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				slog.Info("loopback stats", "framesForwarded", received.Load())
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("loopback error", "error", err)
		os.Exit(1)
	}
	slog.Info("loopback stopped", "framesForwarded", received.Load())
}

func newPublisherSession(ctx context.Context, relayAddr string) (*session.Session, error) {
	tr, err := transport.DialStream(ctx, relayAddr, transport.DefaultStreamTLS(), nil)
	if err != nil {
		return nil, err
	}
	return session.New(session.Config{
		Transport: tr,
		Registry:  newPassthroughRegistry(),
		Token: session.JoinToken{
			Token: "loopback", RoomID: "loopback", ParticipantID: "publisher", Role: protocol.RoleCamera,
			Permissions: session.StreamPermissions{
				Publish: []protocol.Channel{protocol.ChannelVideo720p, protocol.ChannelMic48k},
			},
		},
		Events: logEvents("publisher"),
	})
}

func newSubscriberSession(ctx context.Context, relayAddr string, received *atomic.Int64) (*session.Session, error) {
	tr, err := transport.DialStream(ctx, relayAddr, transport.DefaultStreamTLS(), nil)
	if err != nil {
		return nil, err
	}
	return session.New(session.Config{
		Transport: tr,
		Registry:  newPassthroughRegistry(),
		Token: session.JoinToken{
			Token: "loopback", RoomID: "loopback", ParticipantID: "subscriber", Role: protocol.RoleCamera,
			Permissions: session.StreamPermissions{
				Subscribe: []protocol.Channel{protocol.ChannelVideo720p, protocol.ChannelVideo360p, protocol.ChannelMic48k},
			},
		},
		ActiveVideo: protocol.ChannelVideo720p,
		OnFrame: func(ch protocol.Channel, f *media.Frame) {
			received.Add(1)
			slog.Debug("frame forwarded", "channel", ch, "bytes", len(f.Data), "ts", f.TimestampMs)
		},
		Events: logEvents("subscriber"),
	})
}

func logEvents(side string) session.EventSink {
	return func(e session.Event) {
		if e.Type == subscribe.EventError {
			slog.Warn("session event", "side", side, "type", e.Type, "channel", e.Channel, "message", e.Message)
			return
		}
		slog.Info("session event", "side", side, "type", e.Type, "channel", e.Channel, "message", e.Message)
	}
}

// syntheticFrame builds a recognizable payload; byte 0 flags keyframes for
// the passthrough codec.
func syntheticFrame(n int, key bool) []byte {
	data := make([]byte, 1+4096)
	if key {
		data[0] = 1
	}
	for i := 1; i < len(data); i++ {
		data[i] = byte(n + i)
	}
	return data
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newPassthroughRegistry registers codec providers that move bytes through
// unchanged. The loopback has no real capture or render, so "encoding" is the
// identity; everything else in the pipeline behaves exactly as it would with
// a real codec.
func newPassthroughRegistry() *codec.Registry {
	reg := codec.NewRegistry(nil)
	reg.Register(&passthroughProvider{kind: media.KindVideo})
	reg.Register(&passthroughProvider{kind: media.KindAudio})
	return reg
}

type passthroughProvider struct {
	kind media.Kind
}

func (p *passthroughProvider) Name() string                  { return "passthrough" }
func (p *passthroughProvider) Kind() media.Kind              { return p.kind }
func (p *passthroughProvider) Backend() codec.Backend        { return codec.BackendSoftware }
func (p *passthroughProvider) Probe(codec.ProbeConfig) error { return nil }
func (p *passthroughProvider) InputFormat() codec.BoxFormat  { return codec.BoxAny }

func (p *passthroughProvider) NewEncoder(out codec.ChunkFunc, _ codec.ErrorFunc) (codec.Encoder, error) {
	return &passthroughEncoder{out: out}, nil
}

func (p *passthroughProvider) NewDecoder(out codec.FrameFunc, _ codec.ErrorFunc) (codec.Decoder, error) {
	return &passthroughDecoder{out: out, kind: p.kind}, nil
}

type passthroughEncoder struct {
	mu    sync.Mutex
	out   codec.ChunkFunc
	state codec.State
	first bool
}

func (e *passthroughEncoder) Configure(codec.EncoderConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = codec.StateConfigured
	e.first = true
	return nil
}

func (e *passthroughEncoder) Encode(frame *media.Frame) error {
	e.mu.Lock()
	if e.state != codec.StateConfigured {
		e.mu.Unlock()
		return codec.ErrUnconfigured
	}
	chunk := codec.Chunk{Type: codec.ChunkDelta, TimestampMs: frame.TimestampMs, Data: frame.Data}
	if len(frame.Data) > 0 && frame.Data[0] == 1 {
		chunk.Type = codec.ChunkKey
	}
	if e.first {
		e.first = false
		chunk.DecoderConfig = []byte("passthrough")
	}
	e.mu.Unlock()

	e.out(chunk)
	return nil
}

func (e *passthroughEncoder) Flush() error { return nil }

func (e *passthroughEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = codec.StateClosed
	return nil
}

func (e *passthroughEncoder) State() codec.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

type passthroughDecoder struct {
	mu    sync.Mutex
	out   codec.FrameFunc
	kind  media.Kind
	state codec.State
}

func (d *passthroughDecoder) Configure(codec.DecoderConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = codec.StateConfigured
	return nil
}

func (d *passthroughDecoder) Decode(chunk codec.Chunk) error {
	d.mu.Lock()
	if d.state != codec.StateConfigured {
		d.mu.Unlock()
		return codec.ErrUnconfigured
	}
	d.mu.Unlock()

	d.out(&media.Frame{Kind: d.kind, TimestampMs: chunk.TimestampMs, Data: chunk.Data})
	return nil
}

func (d *passthroughDecoder) Flush() error { return nil }

func (d *passthroughDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = codec.StateClosed
	return nil
}

func (d *passthroughDecoder) State() codec.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
