package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/relay"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/transport"
)

// Two stream transports joined through a relay: packets sent by one arrive
// at the other, scoped to the attached channel.
func TestStreamTransportThroughRelay(t *testing.T) {
	t.Parallel()

	r, err := relay.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = r.Serve(ctx) }()

	dial := func() *transport.StreamTransport {
		tr, err := transport.DialStream(ctx, r.Addr(), transport.DefaultStreamTLS(), nil)
		if err != nil {
			t.Fatal(err)
		}
		return tr
	}

	pub := dial()
	defer pub.Close()
	sub := dial()
	defer sub.Close()

	received := make(chan []byte, 8)
	sub.OnMessage(protocol.ChannelMic48k, func(pkt []byte) {
		received <- pkt
	})

	creds := transport.Credentials{Role: protocol.RoleCamera}
	if err := sub.Attach(ctx, protocol.ChannelMic48k, creds); err != nil {
		t.Fatal(err)
	}
	if err := pub.Attach(ctx, protocol.ChannelMic48k, creds); err != nil {
		t.Fatal(err)
	}

	want := (&protocol.Packet{SequenceNumber: 1, TimestampMs: 20, FrameType: protocol.FrameAudio, Payload: []byte("opus")}).Encode()

	// The subscriber may still be joining the relay's member table when the
	// first packet goes out; retry until delivery.
	deadline := time.After(5 * time.Second)
	for {
		if err := pub.Send(ctx, protocol.ChannelMic48k, want); err != nil {
			t.Fatal(err)
		}
		select {
		case got := <-received:
			if string(got) != string(want) {
				t.Fatalf("packet mismatch: %x vs %x", got, want)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("packet never relayed")
		}
	}
}

func TestStreamTransportChannelIsolation(t *testing.T) {
	t.Parallel()

	r, err := relay.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = r.Serve(ctx) }()

	pub, err := transport.DialStream(ctx, r.Addr(), transport.DefaultStreamTLS(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()
	sub, err := transport.DialStream(ctx, r.Addr(), transport.DefaultStreamTLS(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	micPkts := make(chan []byte, 8)
	sub.OnMessage(protocol.ChannelMic48k, func(pkt []byte) { micPkts <- pkt })

	creds := transport.Credentials{Role: protocol.RoleCamera}
	for _, ch := range []protocol.Channel{protocol.ChannelMic48k, protocol.ChannelVideo360p} {
		if err := sub.Attach(ctx, ch, creds); err != nil {
			t.Fatal(err)
		}
		if err := pub.Attach(ctx, ch, creds); err != nil {
			t.Fatal(err)
		}
	}

	// Traffic on video_360p must never surface on the mic handler.
	video := (&protocol.Packet{SequenceNumber: 5, FrameType: protocol.FrameVideo360Key, Payload: []byte{9}}).Encode()
	for i := 0; i < 5; i++ {
		if err := pub.Send(ctx, protocol.ChannelVideo360p, video); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case pkt := <-micPkts:
		t.Fatalf("video packet leaked onto mic channel: %x", pkt)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestStreamTransportSendUnattached(t *testing.T) {
	t.Parallel()

	r, err := relay.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = r.Serve(ctx) }()

	tr, err := transport.DialStream(ctx, r.Addr(), transport.DefaultStreamTLS(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if err := tr.Send(ctx, protocol.ChannelVideo720p, []byte{1}); err == nil {
		t.Fatal("send on unattached channel succeeded")
	}
}
