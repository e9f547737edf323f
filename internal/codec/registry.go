package codec

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/media"
)

// Backend distinguishes the hardware-accelerated implementation from the
// software fallback.
type Backend int

const (
	BackendHardware Backend = iota
	BackendSoftware
)

func (b Backend) String() string {
	if b == BackendHardware {
		return "hardware"
	}
	return "software"
}

// BoxFormat is the NAL unit framing a video backend consumes or produces.
type BoxFormat int

const (
	// BoxAnnexB is start-code-delimited (0x000001 / 0x00000001 prefixes).
	BoxAnnexB BoxFormat = iota
	// BoxAVCC is 4-byte big-endian length-prefixed.
	BoxAVCC
	// BoxAny accepts either framing (audio backends, format-agnostic codecs).
	BoxAny
)

// ProbeConfig describes the stream shape used to test hardware usability.
type ProbeConfig struct {
	Codec  string
	Width  int
	Height int

	SampleRate int
	Channels   int
}

// Provider is one codec implementation for one media kind. Hardware
// providers are registered by the platform integration; the software
// provider ships with the worker's WASM bundle. Registration happens once
// per worker context, and a single provider instance backs every channel's
// encoders and decoders without sharing per-channel state.
type Provider interface {
	Name() string
	Kind() media.Kind
	Backend() Backend

	// Probe reports whether this implementation can handle the given stream
	// shape. The registry calls it at most once per (kind, backend).
	Probe(cfg ProbeConfig) error

	// InputFormat is the NAL framing the provider's decoder accepts. The
	// registry wraps BoxAnnexB-only decoders in the format shim.
	InputFormat() BoxFormat

	NewEncoder(out ChunkFunc, onErr ErrorFunc) (Encoder, error)
	NewDecoder(out FrameFunc, onErr ErrorFunc) (Decoder, error)
}

type providerKey struct {
	kind    media.Kind
	backend Backend
}

// Registry selects between registered providers: hardware preferred unless
// the caller forces software or the hardware probe fails, in which case the
// session permanently falls back to software for that media kind.
type Registry struct {
	log *slog.Logger

	mu        sync.Mutex
	providers map[providerKey]Provider
	probed    map[providerKey]bool // probe attempted
	usable    map[providerKey]bool // probe outcome, cached
	fellBack  map[media.Kind]bool  // fallback logged once per kind
}

// NewRegistry creates an empty Registry. If log is nil, slog.Default() is
// used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:       log.With("component", "codec-registry"),
		providers: make(map[providerKey]Provider),
		probed:    make(map[providerKey]bool),
		usable:    make(map[providerKey]bool),
		fellBack:  make(map[media.Kind]bool),
	}
}

// Register installs a provider, replacing any previous provider for the same
// (kind, backend) and clearing its cached probe result.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := providerKey{p.Kind(), p.Backend()}
	r.providers[key] = p
	delete(r.probed, key)
	delete(r.usable, key)
}

// DetectHardwareSupport reports whether the hardware backend for the media
// kind is usable for the probed stream shape. The first call runs the
// provider's probe; the outcome is cached for the life of the registry.
func (r *Registry) DetectHardwareSupport(kind media.Kind, cfg ProbeConfig) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hardwareUsableLocked(kind, cfg)
}

func (r *Registry) hardwareUsableLocked(kind media.Kind, cfg ProbeConfig) bool {
	key := providerKey{kind, BackendHardware}
	p, ok := r.providers[key]
	if !ok {
		return false
	}
	if r.probed[key] {
		return r.usable[key]
	}
	r.probed[key] = true

	err := p.Probe(cfg)
	r.usable[key] = err == nil
	if err != nil {
		r.log.Info("hardware codec probe failed, using software for this session",
			"kind", kind, "provider", p.Name(), "error", err)
	}
	return r.usable[key]
}

// selectProvider picks the provider per policy: hardware unless forced to
// software or the hardware probe fails.
func (r *Registry) selectProvider(kind media.Kind, forceSoftware bool, probe ProbeConfig) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !forceSoftware && r.hardwareUsableLocked(kind, probe) {
		return r.providers[providerKey{kind, BackendHardware}], nil
	}

	p, ok := r.providers[providerKey{kind, BackendSoftware}]
	if !ok {
		return nil, fmt.Errorf("%w: kind %s (software)", ErrNoProvider, kind)
	}
	if !forceSoftware && !r.fellBack[kind] {
		r.fellBack[kind] = true
		r.log.Info("falling back to software codec", "kind", kind, "provider", p.Name())
	}
	return p, nil
}

// NewEncoder creates and configures an encoder for the media kind implied by
// the config, delivering chunks to out.
func (r *Registry) NewEncoder(kind media.Kind, cfg EncoderConfig, out ChunkFunc, onErr ErrorFunc) (Encoder, error) {
	p, err := r.selectProvider(kind, cfg.ForceSoftware, ProbeConfig{
		Codec: cfg.Codec, Width: cfg.Width, Height: cfg.Height,
		SampleRate: cfg.SampleRate, Channels: cfg.Channels,
	})
	if err != nil {
		return nil, err
	}
	enc, err := p.NewEncoder(out, onErr)
	if err != nil {
		return nil, fmt.Errorf("codec: %s encoder: %w", p.Name(), err)
	}
	if err := enc.Configure(cfg); err != nil {
		return nil, fmt.Errorf("codec: configure %s encoder: %w", p.Name(), err)
	}
	return enc, nil
}

// NewDecoder creates and configures a decoder. When the selected provider
// only accepts start-code-delimited video input, the returned decoder is
// wrapped in the format shim that converts length-prefixed payloads and
// re-injects cached parameter sets ahead of keyframes.
func (r *Registry) NewDecoder(kind media.Kind, cfg DecoderConfig, out FrameFunc, onErr ErrorFunc) (Decoder, error) {
	p, err := r.selectProvider(kind, cfg.ForceSoftware, ProbeConfig{
		Codec: cfg.Codec, Width: cfg.CodedWidth, Height: cfg.CodedHeight,
		SampleRate: cfg.SampleRate, Channels: cfg.Channels,
	})
	if err != nil {
		return nil, err
	}
	dec, err := p.NewDecoder(out, onErr)
	if err != nil {
		return nil, fmt.Errorf("codec: %s decoder: %w", p.Name(), err)
	}

	if kind == media.KindVideo && p.InputFormat() == BoxAnnexB {
		dec = newAnnexBShim(dec)
	}

	if err := dec.Configure(cfg); err != nil {
		return nil, fmt.Errorf("codec: configure %s decoder: %w", p.Name(), err)
	}
	return dec, nil
}
