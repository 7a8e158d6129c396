package command

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/wire"
)

// -------------------------------------------------------------------------
// CTC Ping: roundtrip measurement over the mesh
// -------------------------------------------------------------------------
//
// A ping test sends K padded text messages to the target. The radio
// echoes our own outbound text back with a trailing {NNN id; that echo
// marks the message as airborne and gives us the id the target's ACK
// will carry (":ackNNN"). RTT is measured from the recorded send time
// to the ACK.

var (
	ackSuffixRE  = regexp.MustCompile(`\s+:ack(\d{3})$`)
	echoSuffixRE = regexp.MustCompile(`\{(\d{3})$`)
	pingSeqRE    = regexp.MustCompile(`ping test (\d+)/(\d+)`)
	pingTargetRE = regexp.MustCompile(`^[A-Z]{1,2}[0-9][A-Z]{1,3}(-\d{1,2})?$`)
)

// activePing is one outstanding echo waiting for its ACK, keyed by the
// three-digit echo id.
type activePing struct {
	target       string
	originalMsg  string
	requester    string
	sequenceInfo string // "i/K", empty when unknown
	testID       string
	sentTime     time.Time
	ackProcessed bool
}

type pingResult struct {
	sequence string
	rtt      time.Duration
	ok       bool
}

// pingTest tracks one !ctcping invocation.
type pingTest struct {
	id          string
	target      string
	requester   string
	totalPings  int
	payloadSize int
	status      string // running, completing, completed, timeout, error

	results       []pingResult
	completed     int
	timeouts      int
	completedSeqs map[string]bool
	sendTimes     map[string]time.Time

	completionStarted bool
}

func isAckMessage(msg string) bool {
	return msg != "" && ackSuffixRE.MatchString(msg)
}

func isEchoMessage(msg string) bool {
	return msg != "" && echoSuffixRE.MatchString(msg)
}

// isPingMessage distinguishes the measurement payloads from the
// human-readable "test started" notice.
func isPingMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return pingSeqRE.MatchString(lower) &&
		(strings.Contains(lower, "mea") || strings.Contains(lower, "roundtrip"))
}

// extractSequence pulls the "i/K" sequence out of a ping payload.
func extractSequence(msg string) string {
	m := pingSeqRE.FindStringSubmatch(strings.ToLower(msg))
	if m == nil {
		return ""
	}
	return m[1] + "/" + m[2]
}

// -------------------------------------------------------------------------
// Command Handler
// -------------------------------------------------------------------------

// handleCtcping validates the arguments and launches the test in the
// background; the response acknowledges the start.
func (e *Engine) handleCtcping(ctx context.Context, kwargs map[string]string, requester string) (string, error) {
	target := strings.ToUpper(kwargs["call"])
	if target == "" {
		return "❌ Target callsign required (call:TARGET)", nil
	}
	if !pingTargetRE.MatchString(target) {
		return "❌ Invalid target callsign format", nil
	}
	if target == e.callsign {
		return "❌ Cannot ping yourself", nil
	}
	if e.IsBlockedCallsign(target) {
		return fmt.Sprintf("❌ Target %s is blocked", target), nil
	}

	payloadSize := 25
	if raw, ok := kwargs["payload"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return "❌ Invalid payload size", nil
		}
		payloadSize = n
	}
	if payloadSize < 25 || payloadSize > 140 {
		return "❌ Payload size must be between 25 and 140 bytes", nil
	}

	repeat := 1
	if raw, ok := kwargs["repeat"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return "❌ Invalid repeat count", nil
		}
		repeat = n
	}
	if repeat < 1 || repeat > 5 {
		return "❌ Repeat count must be between 1 and 5", nil
	}

	e.baseGroup.Add(1)
	go func() {
		defer e.baseGroup.Done()
		e.runPingTest(e.baseCtx, target, payloadSize, repeat, requester)
	}()

	return fmt.Sprintf("🏓 Ping test to %s started: %d ping(s) with %d bytes payload...",
		target, repeat, payloadSize), nil
}

// runPingTest sends the ping sequence and monitors completion.
func (e *Engine) runPingTest(ctx context.Context, target string, payloadSize, repeat int, requester string) {
	testID := fmt.Sprintf("%s_%d", target, time.Now().Unix())
	test := &pingTest{
		id:            testID,
		target:        target,
		requester:     requester,
		totalPings:    repeat,
		payloadSize:   payloadSize,
		status:        "running",
		completedSeqs: make(map[string]bool),
		sendTimes:     make(map[string]time.Time),
	}

	e.pingMu.Lock()
	e.pingTests[testID] = test
	e.pingMu.Unlock()

	for seq := 1; seq <= repeat; seq++ {
		e.pingMu.Lock()
		running := test.status == "running"
		if running {
			test.sendTimes[fmt.Sprintf("%d/%d", seq, repeat)] = time.Now()
		}
		e.pingMu.Unlock()
		if !running {
			break
		}

		payload := paddedPing(seq, repeat, payloadSize)
		e.bus.Publish(ctx, "ctcping", router.TopicUDPMessage, wire.Message{
			"dst":      target,
			"msg":      payload,
			"src_type": "ctcping",
			"type":     "msg",
		})
		e.log.Debug("ping sent", "target", target, "seq", seq, "total", repeat)

		if seq < repeat && !sleepCtx(ctx, e.timing.PingGap) {
			return
		}
	}

	e.monitorPingTest(ctx, testID)
}

// paddedPing builds the fixed-size measurement payload.
func paddedPing(seq, total, payloadSize int) string {
	base := fmt.Sprintf("Ping test %d/%d to measure roundtrip", seq, total)
	switch {
	case len(base) > payloadSize:
		return base[:payloadSize]
	case len(base) < payloadSize:
		return base + strings.Repeat(".", payloadSize-len(base))
	default:
		return base
	}
}

// monitorPingTest polls for completion and enforces the hard deadline.
func (e *Engine) monitorPingTest(ctx context.Context, testID string) {
	deadline := time.Now().Add(e.timing.PingMonitorMax)

	for time.Now().Before(deadline) {
		e.pingMu.Lock()
		test, ok := e.pingTests[testID]
		done := ok && test.completed+test.timeouts >= test.totalPings
		e.pingMu.Unlock()

		if !ok {
			return
		}
		if done {
			e.tryCompleteTest(ctx, testID, "")
			return
		}
		if !sleepCtx(ctx, e.timing.PingPoll) {
			return
		}
	}

	e.tryCompleteTest(ctx, testID, "Test timeout after 5 minutes")
}

// -------------------------------------------------------------------------
// Echo and ACK Processing
// -------------------------------------------------------------------------

// handleEcho registers our own echoed ping payload and arms the per-ping
// timeout.
func (e *Engine) handleEcho(data wire.Message) {
	src := strings.ToUpper(asString(data["src"]))
	dst := strings.ToUpper(asString(data["dst"]))
	msg := asString(data["msg"])

	m := echoSuffixRE.FindStringSubmatch(msg)
	if m == nil {
		return
	}
	echoID := m[1]
	original := msg[:len(msg)-4]

	if src != e.callsign {
		return
	}
	if !isPingMessage(original) {
		return
	}

	sequence := extractSequence(original)

	e.pingMu.Lock()
	if _, tracked := e.activePings[echoID]; tracked {
		e.pingMu.Unlock()
		return
	}

	testID := ""
	sentTime := time.Now()
	for id, test := range e.pingTests {
		if test.target == dst && test.status == "running" {
			testID = id
			if t, ok := test.sendTimes[sequence]; sequence != "" && ok {
				sentTime = t
			}
			break
		}
	}

	e.activePings[echoID] = &activePing{
		target:       dst,
		originalMsg:  original,
		requester:    src,
		sequenceInfo: sequence,
		testID:       testID,
		sentTime:     sentTime,
	}
	e.pingMu.Unlock()

	e.log.Debug("echo tracked", "echo_id", echoID, "target", dst, "test_id", testID)

	e.baseGroup.Add(1)
	go func() {
		defer e.baseGroup.Done()
		e.pingTimeout(echoID)
	}()
}

// pingTimeout expires one tracked echo when no ACK arrives in time.
func (e *Engine) pingTimeout(echoID string) {
	if !sleepCtx(e.baseCtx, e.timing.PingTimeout) {
		return
	}

	e.pingMu.Lock()
	ping, ok := e.activePings[echoID]
	if !ok || ping.ackProcessed {
		e.pingMu.Unlock()
		return
	}
	delete(e.activePings, echoID)

	complete := false
	testExists := false
	if test, found := e.pingTests[ping.testID]; found && test.status == "running" {
		testExists = true
		test.results = append(test.results, pingResult{sequence: ping.sequenceInfo})
		if test.timeouts < test.totalPings {
			test.timeouts++
		}
		complete = test.completed+test.timeouts >= test.totalPings
	}
	e.pingMu.Unlock()

	if testExists {
		e.sendPingResult(e.baseCtx, ping.requester,
			fmt.Sprintf("🏓 Ping %s to %s: timeout (no ACK after 30s)", ping.sequenceInfo, ping.target),
			ping.target)
	}
	if complete {
		e.tryCompleteTest(e.baseCtx, ping.testID, "")
	}
}

// handleAck matches an inbound ACK to its tracked echo and records the
// roundtrip time.
func (e *Engine) handleAck(ctx context.Context, data wire.Message) {
	src := strings.ToUpper(asString(data["src"]))
	if i := strings.IndexByte(src, ','); i >= 0 {
		// Relayed ACKs carry the path; the originator comes first.
		src = strings.TrimSpace(src[:i])
	}
	dst := strings.ToUpper(asString(data["dst"]))
	msg := asString(data["msg"])

	m := ackSuffixRE.FindStringSubmatch(msg)
	if m == nil {
		return
	}
	ackID := m[1]

	e.pingMu.Lock()
	ping, ok := e.activePings[ackID]
	if !ok {
		e.pingMu.Unlock()
		e.log.Debug("unmatched ack", "ack_id", ackID, "src", src)
		return
	}
	if ping.ackProcessed || src != ping.target || dst != e.callsign {
		e.pingMu.Unlock()
		return
	}
	ping.ackProcessed = true

	rtt := time.Since(ping.sentTime)

	resultMsg := ""
	complete := false
	if test, found := e.pingTests[ping.testID]; found && test.status == "running" {
		seq := ping.sequenceInfo
		if seq != "" && test.completedSeqs[seq] {
			// Duplicate ACK for an already finished sequence.
			delete(e.activePings, ackID)
			e.pingMu.Unlock()
			return
		}
		if seq != "" {
			test.completedSeqs[seq] = true
		}
		test.results = append(test.results, pingResult{sequence: seq, rtt: rtt, ok: true})
		test.completed++
		complete = test.completed+test.timeouts >= test.totalPings

		resultMsg = fmt.Sprintf("🏓 Ping %s to %s: RTT = %.1fms",
			seq, ping.target, float64(rtt)/float64(time.Millisecond))
	}
	delete(e.activePings, ackID)
	requester, target, testID := ping.requester, ping.target, ping.testID
	e.pingMu.Unlock()

	if resultMsg != "" {
		e.sendPingResult(ctx, requester, resultMsg, target)
	}
	if complete {
		e.tryCompleteTest(ctx, testID, "")
	}
}

// -------------------------------------------------------------------------
// Completion and Reporting
// -------------------------------------------------------------------------

// tryCompleteTest finishes a test exactly once and emits the summary.
// A non-empty errMsg replaces the statistics line.
func (e *Engine) tryCompleteTest(ctx context.Context, testID, errMsg string) {
	e.pingMu.Lock()
	test, ok := e.pingTests[testID]
	if !ok || test.completionStarted {
		e.pingMu.Unlock()
		return
	}
	test.completionStarted = true
	if errMsg == "" {
		test.status = "completed"
	} else {
		test.status = "timeout"
	}

	summary := e.buildSummary(test, errMsg)
	requester, target := test.requester, test.target
	delete(e.pingTests, testID)
	e.pingMu.Unlock()

	e.sendPingResult(ctx, requester, summary, target)
	e.log.Info("ping test finished", "test_id", testID, "status", test.status)
}

// buildSummary renders the final test report. Caller holds pingMu.
func (e *Engine) buildSummary(test *pingTest, errMsg string) string {
	if errMsg != "" {
		return "🏓 " + errMsg
	}

	loss := test.timeouts * 100 / test.totalPings

	var rtts []time.Duration
	for _, r := range test.results {
		if r.ok {
			rtts = append(rtts, r.rtt)
		}
	}

	if len(rtts) == 0 {
		return fmt.Sprintf("🏓 Ping summary to %s: %d%% packet loss (%d/%d), %dB payload",
			test.target, loss, test.completed, test.totalPings, test.payloadSize)
	}

	minRTT, maxRTT, sum := rtts[0], rtts[0], time.Duration(0)
	for _, rtt := range rtts {
		if rtt < minRTT {
			minRTT = rtt
		}
		if rtt > maxRTT {
			maxRTT = rtt
		}
		sum += rtt
	}
	avgRTT := sum / time.Duration(len(rtts))

	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return fmt.Sprintf("🏓 Ping summary to %s: %d/%d replies, %d%% loss, %dB payload. RTT min/avg/max = %.1f/%.1f/%.1fms",
		test.target, test.completed, test.totalPings, loss, test.payloadSize,
		ms(minRTT), ms(avgRTT), ms(maxRTT))
}

// sendPingResult routes a per-ping or summary line back to whoever ran
// the test: web clients for local tests, the mesh for remote requesters.
func (e *Engine) sendPingResult(ctx context.Context, requester, message, target string) {
	if requester == e.callsign {
		now := time.Now().UnixMilli()
		dst := target
		if dst == "" {
			dst = requester
		}
		e.bus.Publish(ctx, "ctcping", router.TopicWebMessage, wire.Message{
			"src":       e.callsign,
			"dst":       dst,
			"msg":       message,
			"msg_id":    now,
			"type":      "msg",
			"src_type":  "node",
			"timestamp": now,
		})
		return
	}

	e.bus.Publish(ctx, "ctcping", router.TopicUDPMessage, wire.Message{
		"dst":      requester,
		"msg":      message,
		"src_type": "ctcping_result",
		"type":     "msg",
	})
}
