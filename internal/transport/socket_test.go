package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/command"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
)

// echoSocketServer upgrades every request, records the handshake message per
// channel, and echoes subsequent messages back.
type echoSocketServer struct {
	upgrader websocket.Upgrader

	mu         sync.Mutex
	handshakes map[string][]byte
}

func (s *echoSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	channel := parts[len(parts)-1]

	_, first, err := conn.ReadMessage()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.handshakes[channel] = first
	s.mu.Unlock()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

func TestSocketTransportHandshakeAndEcho(t *testing.T) {
	t.Parallel()

	srv := &echoSocketServer{handshakes: make(map[string][]byte)}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	tr, err := NewSocketTransport(wsURL+"/rooms/42", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan []byte, 1)
	tr.OnMessage(protocol.ChannelVideo720p, func(pkt []byte) {
		select {
		case received <- pkt:
		default:
		}
	})

	creds := Credentials{Token: "tok", Role: protocol.RoleCamera}
	if err := tr.Attach(ctx, protocol.ChannelVideo720p, creds); err != nil {
		t.Fatal(err)
	}

	// The first message on the socket must be the init_channel_stream
	// command, before any media. Attach returns once the client has written
	// it; poll until the server goroutine has read and recorded it.
	var hs []byte
	for hs == nil {
		srv.mu.Lock()
		hs = srv.handshakes["video_720p"]
		srv.mu.Unlock()
		if hs != nil {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("server never recorded the handshake")
		case <-time.After(5 * time.Millisecond):
		}
	}
	msg, err := command.Decode(hs)
	if err != nil {
		t.Fatalf("handshake is not a command: %v", err)
	}
	if msg.Type != command.TypeInitChannelStream {
		t.Fatalf("handshake type = %q", msg.Type)
	}
	var init command.InitChannelStream
	if err := command.DecodeData(msg, &init); err != nil {
		t.Fatal(err)
	}
	if init.Channel != "video_720p" || !init.Video || init.Audio {
		t.Fatalf("handshake payload = %+v", init)
	}

	pkt := (&protocol.Packet{SequenceNumber: 9, FrameType: protocol.FrameVideo720Key, Payload: []byte{1, 2, 3}}).Encode()
	if err := tr.Send(ctx, protocol.ChannelVideo720p, pkt); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if string(got) != string(pkt) {
			t.Fatalf("echoed packet mismatch: %x vs %x", got, pkt)
		}
	case <-ctx.Done():
		t.Fatal("no echo received")
	}
}

func TestSocketTransportSendUnattached(t *testing.T) {
	t.Parallel()
	tr, err := NewSocketTransport("ws://127.0.0.1:1/x", nil)
	if err != nil {
		t.Fatal(err)
	}
	err = tr.Send(context.Background(), protocol.ChannelMic48k, []byte{1})
	if err == nil {
		t.Fatal("send on unattached channel succeeded")
	}
}

func TestSocketTransportRejectsWrongRoleChannel(t *testing.T) {
	t.Parallel()
	tr, err := NewSocketTransport("ws://127.0.0.1:1/x", nil)
	if err != nil {
		t.Fatal(err)
	}
	err = tr.Attach(context.Background(), protocol.ChannelScreenShare720p, Credentials{Role: protocol.RoleCamera})
	if err == nil {
		t.Fatal("camera role attached a screen-share channel")
	}
}
