package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
)

// newPeerPair builds two connected in-process peer connections with
// non-trickle signaling. Loopback candidates are enabled so the pair works
// on hosts with no external interfaces.
func newPeerPair(t *testing.T) (*webrtc.PeerConnection, *webrtc.PeerConnection) {
	t.Helper()

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pcA, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	pcB, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		pcA.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		pcA.Close()
		pcB.Close()
	})

	// A bootstrap channel forces the SCTP section into the offer; the
	// transport's negotiated channels ride on the same association.
	if _, err := pcA.CreateDataChannel("bootstrap", nil); err != nil {
		t.Fatal(err)
	}

	offer, err := pcA.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gatherA := webrtc.GatheringCompletePromise(pcA)
	if err := pcA.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	<-gatherA
	if err := pcB.SetRemoteDescription(*pcA.LocalDescription()); err != nil {
		t.Fatal(err)
	}

	answer, err := pcB.CreateAnswer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gatherB := webrtc.GatheringCompletePromise(pcB)
	if err := pcB.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	<-gatherB
	if err := pcA.SetRemoteDescription(*pcB.LocalDescription()); err != nil {
		t.Fatal(err)
	}

	return pcA, pcB
}

func TestDataChannelTransportAttachAndSend(t *testing.T) {
	t.Parallel()

	pcA, pcB := newPeerPair(t)

	trA := NewDataChannelTransport(pcA, nil)
	trB := NewDataChannelTransport(pcB, nil)

	received := make(chan []byte, 8)
	trB.OnMessage(protocol.ChannelVideo720p, func(pkt []byte) {
		// The peer's handshake text also arrives here; keep media only.
		if protocol.Classify(pkt).Class == protocol.ClassMedia {
			received <- pkt
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	creds := Credentials{Role: protocol.RoleCamera}
	if err := trB.Attach(ctx, protocol.ChannelVideo720p, creds); err != nil {
		t.Fatal(err)
	}
	if err := trA.Attach(ctx, protocol.ChannelVideo720p, creds); err != nil {
		t.Fatal(err)
	}

	want := (&protocol.Packet{SequenceNumber: 3, TimestampMs: 33, FrameType: protocol.FrameVideo720Key, Payload: []byte{0, 0, 0, 1, 0x65}}).Encode()
	if err := trA.Send(ctx, protocol.ChannelVideo720p, want); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if string(got) != string(want) {
			t.Fatalf("packet mismatch: %x vs %x", got, want)
		}
	case <-ctx.Done():
		t.Fatal("packet never arrived")
	}
}

func TestDataChannelTransportDuplicateAttach(t *testing.T) {
	t.Parallel()

	pcA, pcB := newPeerPair(t)

	trA := NewDataChannelTransport(pcA, nil)
	trB := NewDataChannelTransport(pcB, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	creds := Credentials{Role: protocol.RoleCamera}
	if err := trB.Attach(ctx, protocol.ChannelMic48k, creds); err != nil {
		t.Fatal(err)
	}
	if err := trA.Attach(ctx, protocol.ChannelMic48k, creds); err != nil {
		t.Fatal(err)
	}
	if err := trA.Attach(ctx, protocol.ChannelMic48k, creds); err == nil {
		t.Fatal("second attach of the same channel succeeded")
	}
}

func TestDataChannelTransportSendAfterClose(t *testing.T) {
	t.Parallel()

	pcA, _ := newPeerPair(t)
	tr := NewDataChannelTransport(pcA, nil)
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := tr.Send(context.Background(), protocol.ChannelMic48k, []byte{1}); err != ErrClosed {
		t.Fatalf("send after close: %v", err)
	}
}
