package peerbloom

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/peerbloom/internal/packet"
)

func pipePeer(t *testing.T) (*Peer, net.Conn) {
	t.Helper()
	remote, local := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	p := newPeer(1, local, Outbound, testNetID, nil, nil, zerolog.Nop())
	t.Cleanup(p.Close)
	return p, remote
}

func waitClosed(t *testing.T, p *Peer) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer not closed")
	}
}

func TestPeer_SendQueueFull(t *testing.T) {
	p, _ := pipePeer(t)

	// Nobody reads the remote end, so the writer stalls on its first
	// packet and the queue fills.
	var err error
	for i := 0; i < sendQueueSize+2 && err == nil; i++ {
		err = p.Send(&packet.NetPing{Payload: []byte{byte(i)}})
	}
	if !errors.Is(err, ErrSendBacklog) {
		t.Fatalf("Send() error = %v, want ErrSendBacklog", err)
	}
	waitClosed(t, p)
	if err := p.Send(&packet.GetPool{}); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("Send() after close = %v, want ErrPeerClosed", err)
	}
}

func TestPeer_WriteFailureCloses(t *testing.T) {
	p, remote := pipePeer(t)
	remote.Close()

	if err := p.Send(&packet.GetPool{}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	waitClosed(t, p)
}

func TestPeer_DisconnectFlushesQueue(t *testing.T) {
	p, remote := pipePeer(t)
	for i := range 3 {
		if err := p.Send(&packet.NetPing{Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
	}
	p.Disconnect(packet.DisconnectClean)

	_ = remote.SetReadDeadline(time.Now().Add(3 * time.Second))
	for i := range 3 {
		pkt, err := packet.Read(remote, testNetID, DefaultMaxPacket)
		if err != nil {
			t.Fatalf("read ping %d: %v", i, err)
		}
		if ping, ok := pkt.Body.(*packet.NetPing); !ok || ping.Payload[0] != byte(i) {
			t.Fatalf("packet %d = %s, want ping", i, pkt.Command())
		}
	}
	pkt, err := packet.Read(remote, testNetID, DefaultMaxPacket)
	if err != nil {
		t.Fatalf("read disconnect: %v", err)
	}
	if d, ok := pkt.Body.(*packet.Disconnect); !ok || d.Code != packet.DisconnectClean {
		t.Fatalf("last packet = %s, want Disconnect CLEAN", pkt.Command())
	}
	if _, err := packet.Read(remote, testNetID, DefaultMaxPacket); !errors.Is(err, io.EOF) {
		t.Errorf("read after disconnect = %v, want EOF", err)
	}
}
