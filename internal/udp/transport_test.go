package udp_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dk5en/mcapp/internal/udp"
	"github.com/dk5en/mcapp/internal/wire"
)

const ownCallsign = "DK5EN-99"

// fakeBus captures published messages.
type fakeBus struct {
	ch chan wire.Message
}

func newFakeBus() *fakeBus {
	return &fakeBus{ch: make(chan wire.Message, 16)}
}

func (b *fakeBus) Publish(ctx context.Context, source, topic string, data wire.Message) {
	select {
	case b.ch <- data:
	default:
	}
}

func (b *fakeBus) Callsign() string { return ownCallsign }

func (b *fakeBus) wait(t *testing.T) wire.Message {
	t.Helper()
	select {
	case data := <-b.ch:
		return data
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for published message")
		return nil
	}
}

// startTransport binds a transport on an ephemeral port and runs its
// receive loop until the test ends.
func startTransport(t *testing.T, bus *fakeBus, targetPort int) *udp.Transport {
	t.Helper()

	tr := udp.New(0, "127.0.0.1", targetPort, bus, nil, nil)
	if err := tr.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := tr.Run(ctx); err != nil {
			t.Errorf("Run() error: %v", err)
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = tr.Close()
		<-done
	})

	return tr
}

func TestReceivePublishesMeshMessage(t *testing.T) {
	bus := newFakeBus()
	tr := startTransport(t, bus, 1799)

	client, err := net.Dial("udp", tr.Addr().String())
	if err != nil {
		t.Fatalf("dial transport: %v", err)
	}
	defer client.Close()

	raw := wire.EncodeText(wire.TextFrame{
		MsgID:  0xCAFE,
		Src:    "DL8DD-7",
		Dst:    "232",
		Msg:    "hello mesh",
		MaxHop: 3,
	})
	if _, err := client.Write(raw); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	got := bus.wait(t)
	if got["type"] != "msg" {
		t.Errorf("type = %v, want msg", got["type"])
	}
	if got["src"] != "DL8DD-7" {
		t.Errorf("src = %v, want DL8DD-7", got["src"])
	}
	if got["dst"] != "232" {
		t.Errorf("dst = %v, want 232", got["dst"])
	}
	if got["src_type"] != "udp" {
		t.Errorf("src_type = %v, want udp", got["src_type"])
	}
	if got["msg_id"] != "0000CAFE" {
		t.Errorf("msg_id = %v, want 0000CAFE", got["msg_id"])
	}
}

func TestReceiveIgnoresGarbage(t *testing.T) {
	bus := newFakeBus()
	tr := startTransport(t, bus, 1799)

	client, err := net.Dial("udp", tr.Addr().String())
	if err != nil {
		t.Fatalf("dial transport: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("not a mesh frame")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// A valid frame afterwards must still come through.
	raw := wire.EncodeText(wire.TextFrame{MsgID: 1, Src: "DL8DD-7", Dst: "*", Msg: "x", MaxHop: 3})
	if _, err := client.Write(raw); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	got := bus.wait(t)
	if got["msg_id"] != "00000001" {
		t.Errorf("msg_id = %v, want 00000001 (garbage must be skipped)", got["msg_id"])
	}
}

func TestSendFrameEncodesAndTransmits(t *testing.T) {
	// Fake MeshCom node socket.
	node, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("bind node socket: %v", err)
	}
	defer node.Close()
	nodePort := node.LocalAddr().(*net.UDPAddr).Port

	bus := newFakeBus()
	tr := startTransport(t, bus, nodePort)

	err = tr.SendFrame(context.Background(), wire.Message{
		"src": ownCallsign,
		"dst": "232",
		"msg": "outbound test",
	})
	if err != nil {
		t.Fatalf("SendFrame() error: %v", err)
	}

	buf := make([]byte, 2048)
	if err := node.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	n, _, err := node.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("node read: %v", err)
	}

	frame, ack, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if ack != nil {
		t.Fatal("Decode() returned an ACK for a text frame")
	}
	if frame.Dest != "232" {
		t.Errorf("Dest = %q, want 232", frame.Dest)
	}
	if frame.Message != ":outbound test" {
		t.Errorf("Message = %q, want %q", frame.Message, ":outbound test")
	}
	if frame.Path != ownCallsign+">" {
		t.Errorf("Path = %q, want %q", frame.Path, ownCallsign+">")
	}
	if frame.MaxHop != 5 {
		t.Errorf("MaxHop = %d, want 5", frame.MaxHop)
	}
	if !frame.FCSOK {
		t.Error("FCSOK = false on outbound frame")
	}
}

func TestSendFrameBeforeStart(t *testing.T) {
	tr := udp.New(0, "127.0.0.1", 1799, newFakeBus(), nil, nil)

	err := tr.SendFrame(context.Background(), wire.Message{"dst": "232", "msg": "x"})
	if err == nil {
		t.Fatal("SendFrame() error = nil before Start, want error")
	}
}
