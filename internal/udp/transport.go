// Package udp implements the MeshCom UDP transport: a listener on the
// node port that decodes inbound binary frames onto the router, and the
// outbound path that encodes text frames for the configured radio host.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	mcmetrics "github.com/dk5en/mcapp/internal/metrics"
	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/wire"
)

const (
	// readBufSize comfortably exceeds the largest mesh frame.
	readBufSize = 2048

	// readPollInterval bounds how long a blocked read can delay
	// shutdown: each read carries a deadline so the loop can observe
	// context cancellation.
	readPollInterval = 1 * time.Second

	// defaultMaxHop is the mesh hop limit stamped on outbound frames.
	defaultMaxHop = 5
)

// ErrNotStarted indicates a send was attempted before the socket was bound.
var ErrNotStarted = errors.New("udp transport not started")

// Publisher is the router surface the transport needs.
type Publisher interface {
	Publish(ctx context.Context, source, topic string, data wire.Message)
	Callsign() string
}

// Transport is the bidirectional UDP adapter to the MeshCom node.
type Transport struct {
	listenPort int
	targetHost string
	targetPort int
	bus        Publisher
	metrics    *mcmetrics.Collector
	log        *slog.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	closed bool
}

// New creates a Transport that listens on listenPort and transmits to
// targetHost:targetPort.
func New(listenPort int, targetHost string, targetPort int, bus Publisher, metrics *mcmetrics.Collector, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		listenPort: listenPort,
		targetHost: targetHost,
		targetPort: targetPort,
		bus:        bus,
		metrics:    metrics,
		log:        log.With("component", "udp"),
	}
}

// Start binds the listen socket. It is called before any component that
// can block (BLE init), so health checks find the port listening promptly.
func (t *Transport) Start() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: t.listenPort})
	if err != nil {
		return fmt.Errorf("bind udp port %d: %w", t.listenPort, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.log.Info("listening", "addr", conn.LocalAddr().String(), "target", t.target())
	return nil
}

// Addr returns the bound local address, or nil before Start.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Run reads frames until ctx is cancelled or the transport is closed.
// Decode failures are counted and logged, never fatal.
func (t *Transport) Run(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}

	buf := make([]byte, readBufSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if t.isClosed() || ctx.Err() != nil {
				return nil
			}
			t.log.Warn("read error", "error", err)
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		t.handleDatagram(ctx, raw, addr)
	}
}

// handleDatagram decodes one inbound frame and publishes it as a
// mesh_message.
func (t *Transport) handleDatagram(ctx context.Context, raw []byte, addr *net.UDPAddr) {
	frame, ack, err := wire.Decode(raw)
	if err != nil {
		if t.metrics != nil {
			t.metrics.IncFrameDecodeErrors()
		}
		t.log.Debug("undecodable datagram", "from", addr.String(), "len", len(raw), "error", err)
		return
	}

	if frame != nil && !frame.FCSOK {
		if t.metrics != nil {
			t.metrics.IncFCSMismatches()
		}
		t.log.Debug("frame checksum mismatch, processing anyway",
			"from", addr.String(),
			"received", fmt.Sprintf("%#04x", frame.FCSReceived),
			"computed", fmt.Sprintf("%#04x", frame.FCSComputed))
	}

	data := wire.Dispatch(frame, ack, t.bus.Callsign())
	if data == nil {
		return
	}
	data["src_type"] = "udp"

	if t.metrics != nil {
		t.metrics.IncFramesDecoded(asString(data["type"]))
	}
	t.bus.Publish(ctx, "udp", router.TopicMeshMessage, data)
}

// SendFrame encodes an outbound text message and transmits it to the
// configured MeshCom node. Satisfies router.MeshSender.
func (t *Transport) SendFrame(ctx context.Context, data wire.Message) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if conn == nil || closed {
		return ErrNotStarted
	}

	src := asString(data["src"])
	if src == "" {
		src = t.bus.Callsign()
	}
	dst := asString(data["dst"])
	msg := asString(data["msg"])

	raw := wire.EncodeText(wire.TextFrame{
		MsgID:  newMsgID(),
		Src:    src,
		Dst:    dst,
		Msg:    msg,
		MaxHop: defaultMaxHop,
	})

	target, err := net.ResolveUDPAddr("udp", t.target())
	if err != nil {
		if t.metrics != nil {
			t.metrics.UDPSendErrors.Inc()
		}
		return fmt.Errorf("resolve target %s: %w", t.target(), err)
	}

	if _, err := conn.WriteToUDP(raw, target); err != nil {
		if t.metrics != nil {
			t.metrics.UDPSendErrors.Inc()
		}
		return fmt.Errorf("send frame to %s: %w", target, err)
	}

	if t.metrics != nil {
		t.metrics.UDPSent.Inc()
	}
	t.log.Debug("frame sent", "dst", dst, "target", target.String(), "len", len(raw))
	return nil
}

// Close stops the transport and releases the socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.conn == nil {
		return nil
	}
	t.closed = true

	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("close udp socket: %w", err)
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) target() string {
	return net.JoinHostPort(t.targetHost, fmt.Sprintf("%d", t.targetPort))
}

// newMsgID derives a message id from the wall clock, matching the
// firmware's millisecond-based ids.
func newMsgID() uint32 {
	return uint32(time.Now().UnixMilli())
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
