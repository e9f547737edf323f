// Package relay implements a minimal QUIC media relay: it accepts stream
// transport connections, reads each stream's subscribe handshake, and fans
// packets from a channel's publishers out to the channel's subscribers. It
// backs the loopback demo and the stream-transport tests; a production
// deployment terminates the same wire protocol in the media server.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/certs"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/transport"
)

// Relay is a per-channel packet fan-out over QUIC streams.
type Relay struct {
	log *slog.Logger
	ln  *quic.Listener

	mu      sync.Mutex
	nextID  int
	members map[protocol.Channel]map[int]*member
}

type member struct {
	stream  quic.Stream
	writeMu sync.Mutex
}

// Listen starts a relay on addr with a fresh self-signed certificate.
// addr may use port 0; Addr reports the bound address.
func Listen(addr string, log *slog.Logger) (*Relay, error) {
	if log == nil {
		log = slog.Default()
	}
	cert, err := certs.Generate(0)
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert.TLSCert},
		NextProtos:   []string{transport.StreamALPN},
	}
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: listen %s: %w", addr, err)
	}
	return &Relay{
		log:     log.With("component", "relay"),
		ln:      ln,
		members: make(map[protocol.Channel]map[int]*member),
	}, nil
}

// Addr returns the listener's address, e.g. "127.0.0.1:4433".
func (r *Relay) Addr() string { return r.ln.Addr().String() }

// Serve accepts connections until ctx is cancelled or the listener closes.
func (r *Relay) Serve(ctx context.Context) error {
	for {
		conn, err := r.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go r.serveConn(ctx, conn)
	}
}

func (r *Relay) serveConn(ctx context.Context, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go r.serveStream(stream)
	}
}

// serveStream reads the subscribe handshake, joins the stream to its
// channel, and relays every subsequent frame to the channel's other members.
// Media never flows for a channel whose handshake was not observed.
func (r *Relay) serveStream(stream quic.Stream) {
	fr := protocol.NewFrameReader(stream)

	first, err := fr.Next()
	if err != nil {
		stream.CancelRead(0)
		return
	}
	hs := protocol.Classify(first)
	if hs.Class != protocol.ClassHandshake || !hs.HandshakeChannel.Valid() {
		r.log.Warn("stream without subscribe handshake rejected")
		stream.CancelRead(0)
		_ = stream.Close()
		return
	}
	ch := hs.HandshakeChannel

	m := &member{stream: stream}
	id := r.join(ch, m)
	defer r.leave(ch, id)

	r.log.Debug("member joined", "channel", ch, "id", id)

	for {
		pkt, err := fr.Next()
		if err != nil {
			if err != io.EOF && !errors.Is(err, protocol.ErrIncompleteFrame) {
				r.log.Debug("relay read ended", "channel", ch, "error", err)
			}
			return
		}
		r.broadcast(ch, id, pkt)
	}
}

func (r *Relay) join(ch protocol.Channel, m *member) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	if r.members[ch] == nil {
		r.members[ch] = make(map[int]*member)
	}
	r.members[ch][id] = m
	return id
}

func (r *Relay) leave(ch protocol.Channel, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[ch], id)
}

// broadcast forwards pkt to every member of ch except the sender.
func (r *Relay) broadcast(ch protocol.Channel, from int, pkt []byte) {
	r.mu.Lock()
	targets := make([]*member, 0, len(r.members[ch]))
	for id, m := range r.members[ch] {
		if id != from {
			targets = append(targets, m)
		}
	}
	r.mu.Unlock()

	for _, m := range targets {
		m.writeMu.Lock()
		err := protocol.WriteFrame(m.stream, pkt)
		m.writeMu.Unlock()
		if err != nil {
			r.log.Debug("relay write failed", "channel", ch, "error", err)
		}
	}
}

// Close stops accepting and closes the listener.
func (r *Relay) Close() error { return r.ln.Close() }
