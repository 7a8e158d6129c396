// Package command implements the gateway's bot command engine: it
// subscribes to inbound mesh and BLE traffic, decides per message
// whether a command addressed to this gateway should execute, and runs
// the command registry with dedup, throttling and abuse protection.
// Responses are chunked to radio-sized payloads and routed back over
// the transport the request arrived on.
package command

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	mcmetrics "github.com/dk5en/mcapp/internal/metrics"
	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/wire"
)

// -------------------------------------------------------------------------
// Constants
// -------------------------------------------------------------------------

const (
	// maxResponseLength is the per-chunk payload limit in bytes.
	maxResponseLength = 140

	// maxChunks caps a chunked response; anything beyond is dropped.
	maxChunks = 3

	// dedupWindow is how long a processed msg_id suppresses duplicates.
	dedupWindow = 5 * time.Minute

	// defaultThrottle applies to repeated identical commands.
	defaultThrottle = 5 * time.Minute

	// fastThrottle applies to the cheap local commands.
	fastThrottle = 5 * time.Second

	// abuseWindow / abuseThreshold / abuseBlock: three failed attempts
	// within the window block the sender for the block duration.
	abuseWindow    = 5 * time.Minute
	abuseThreshold = 3
	abuseBlock     = 25 * time.Minute
)

// fastThrottleCommands are throttled per fastThrottle instead of
// defaultThrottle.
var fastThrottleCommands = map[string]bool{
	"dice": true, "time": true, "group": true, "kb": true, "topic": true,
}

var trailingEchoRE = regexp.MustCompile(`\{\d+$`)

// -------------------------------------------------------------------------
// Engine
// -------------------------------------------------------------------------

// Publisher is the bus surface the engine publishes responses on.
type Publisher interface {
	Publish(ctx context.Context, source, topic string, data wire.Message)
}

// Timing bundles the engine's pacing knobs. Production uses
// DefaultTiming; tests shrink the durations.
type Timing struct {
	ChunkDelay     time.Duration // gap between response chunks
	PingTimeout    time.Duration // per-ping ACK wait
	PingGap        time.Duration // gap between pings of one test
	PingMonitorMax time.Duration // hard test deadline
	PingPoll       time.Duration // completion poll interval
	BeaconUnit     time.Duration // one beacon interval unit
	BeaconLead     time.Duration // subtracted from each beacon period
	BeaconFloor    time.Duration // minimum beacon period
}

// DefaultTiming returns the production pacing.
func DefaultTiming() Timing {
	return Timing{
		ChunkDelay:     12 * time.Second,
		PingTimeout:    30 * time.Second,
		PingGap:        20 * time.Second,
		PingMonitorMax: 5 * time.Minute,
		PingPoll:       1 * time.Second,
		BeaconUnit:     time.Minute,
		BeaconLead:     10 * time.Second,
		BeaconFloor:    10 * time.Second,
	}
}

// Options configures an Engine.
type Options struct {
	Callsign string

	// AdminCallsign is the base callsign granted admin commands,
	// matched with any SID. Defaults to the base of Callsign.
	AdminCallsign string

	// UserInfoText is the userinfo command response.
	UserInfoText string

	// GroupResponses enables answering commands in group conversations
	// for non-admin requesters.
	GroupResponses bool

	Store   Store
	Weather WeatherProvider
	Metrics *mcmetrics.Collector
	Log     *slog.Logger
	Timing  Timing // zero value means DefaultTiming
}

// Engine is the command processor. One instance serves the whole
// gateway; all methods are safe for concurrent use.
type Engine struct {
	callsign  string
	adminBase string
	userInfo  string
	validator *router.Validator
	bus       Publisher
	store     Store
	weather   WeatherProvider
	metrics   *mcmetrics.Collector
	log       *slog.Logger
	timing    Timing

	// baseCtx bounds background work (beacons, ping tests) to the
	// engine lifetime.
	baseCtx   context.Context
	baseStop  context.CancelFunc
	baseGroup sync.WaitGroup

	mu               sync.Mutex
	groupResponses   bool
	processedIDs     map[string]time.Time
	processedContent map[string]contentMark
	failedAttempts   map[string][]time.Time
	blockedUsers     map[string]time.Time
	blockNotified    map[string]bool
	blockedCallsigns map[string]bool

	pingMu      sync.Mutex
	activePings map[string]*activePing
	pingTests   map[string]*pingTest

	beaconMu      sync.Mutex
	activeBeacons map[string]*beacon
}

// New creates an Engine publishing responses on bus.
func New(bus Publisher, opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	adminBase := strings.ToUpper(opts.AdminCallsign)
	if adminBase == "" {
		adminBase = strings.ToUpper(opts.Callsign)
	}
	if i := strings.IndexByte(adminBase, '-'); i >= 0 {
		adminBase = adminBase[:i]
	}
	timing := opts.Timing
	if timing == (Timing{}) {
		timing = DefaultTiming()
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		callsign:  strings.ToUpper(opts.Callsign),
		adminBase: adminBase,
		userInfo:  opts.UserInfoText,
		validator: router.NewValidator(opts.Callsign),
		bus:       bus,
		store:     opts.Store,
		weather:   opts.Weather,
		metrics:   opts.Metrics,
		log:       log.With("component", "command"),
		timing:    timing,

		baseCtx:  ctx,
		baseStop: stop,

		groupResponses:   opts.GroupResponses,
		processedIDs:     make(map[string]time.Time),
		processedContent: make(map[string]contentMark),
		failedAttempts:   make(map[string][]time.Time),
		blockedUsers:     make(map[string]time.Time),
		blockNotified:    make(map[string]bool),
		blockedCallsigns: make(map[string]bool),

		activePings:   make(map[string]*activePing),
		pingTests:     make(map[string]*pingTest),
		activeBeacons: make(map[string]*beacon),
	}
}

// Attach subscribes the engine to the router's inbound topics and wires
// the kick-ban lookup.
func (e *Engine) Attach(r *router.Router) {
	r.Subscribe(router.TopicMeshMessage, "commands", e.HandleMessage)
	r.Subscribe(router.TopicBLENotification, "commands", e.HandleMessage)
	r.SetBlockedFunc(e.IsBlockedCallsign)
}

// Close stops beacons and background ping work and waits for them.
func (e *Engine) Close() {
	e.stopAllBeacons()
	e.baseStop()
	e.baseGroup.Wait()
}

// GroupResponses reports whether non-admin group commands are answered.
func (e *Engine) GroupResponses() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groupResponses
}

// IsBlockedCallsign reports whether call is on the kick-ban list.
func (e *Engine) IsBlockedCallsign(call string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blockedCallsigns[strings.ToUpper(call)]
}

// -------------------------------------------------------------------------
// Message Pipeline
// -------------------------------------------------------------------------

// HandleMessage is the router subscriber: it screens every inbound
// message for echoes, ACKs and commands. Satisfies router.Handler.
func (e *Engine) HandleMessage(ctx context.Context, env router.Envelope) error {
	data := env.Data
	if _, ok := data["msg"]; !ok {
		return nil
	}
	msgText := asString(data["msg"])
	srcType := asString(data["src_type"])

	if isEchoMessage(msgText) {
		e.handleEcho(data)
		return nil
	}
	if isAckMessage(msgText) {
		e.handleAck(ctx, data)
		return nil
	}
	if !strings.HasPrefix(msgText, "!") {
		return nil
	}

	msgID := msgIDKey(data["msg_id"])
	if e.isDuplicateMsgID(msgID) {
		e.log.Debug("duplicate msg_id, ignoring", "msg_id", msgID)
		return nil
	}

	norm := e.validator.Normalize(data)
	src := asString(norm["src"])
	dst := asString(norm["dst"])
	msgText = trailingEchoRE.ReplaceAllString(asString(norm["msg"]), "")

	execute, targetType := e.shouldExecute(src, dst, msgText)
	if !execute {
		return nil
	}

	var responseTarget string
	if targetType == "direct" {
		if src == e.callsign {
			responseTarget = dst
		} else {
			responseTarget = src
		}
	} else {
		responseTarget = dst
	}

	if e.isUserBlocked(src) {
		e.rejected("blocked")
		if e.firstBlockNotice(src) {
			e.sendResponse(ctx, "🚫 Temporarily in timeout due to repeated invalid commands", responseTarget, srcType)
		}
		return nil
	}

	hash := contentHash(src, msgText, dst)
	if e.isThrottled(hash) {
		e.rejected("throttled")
		e.sendResponse(ctx, "⏳ Command throttled. Same command allowed once per 5min", responseTarget, srcType)
		return nil
	}

	cmd, kwargs, ok := parseCommand(msgText)
	if !ok {
		e.markMsgID(msgID)
		e.rejected("unknown")
		e.log.Debug("unknown command discarded", "msg", msgText, "src", src)
		return nil
	}

	if e.isThrottled(hash) {
		e.rejected("throttled")
		e.sendResponse(ctx,
			fmt.Sprintf("⏳ !%s throttled. Try again in %dmin", cmd, throttleNoticeMinutes(cmd)),
			responseTarget, srcType)
		return nil
	}

	e.log.Info("executing command",
		"cmd", cmd, "src", src, "dst", dst, "mode", targetType)

	response, err := e.execute(ctx, cmd, kwargs, src)
	if err != nil {
		e.trackFailedAttempt(src)
		e.markMsgID(msgID)
		e.rejected("error")
		e.log.Warn("command failed", "cmd", cmd, "src", src, "error", err)
		e.sendResponse(ctx, errorResponse(err), responseTarget, srcType)
		return nil
	}

	e.markMsgID(msgID)
	e.markContent(hash, cmd)
	if e.metrics != nil {
		e.metrics.IncCommandExecuted(cmd)
	}
	e.sendResponse(ctx, response, responseTarget, srcType)
	return nil
}

// execute dispatches one parsed command to its handler.
func (e *Engine) execute(ctx context.Context, cmd string, kwargs map[string]string, requester string) (string, error) {
	handler, ok := commandHandlers[cmd]
	if !ok {
		return "❌ Unknown command", nil
	}
	return handler(e, ctx, kwargs, requester)
}

// errorResponse maps a handler error to the user-facing failure string.
func errorResponse(err error) string {
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "timeout"):
		return "❌ Command timeout. Try again later"
	case strings.Contains(text, "weather"):
		return "❌ Weather service temporarily unavailable"
	default:
		return "❌ Command failed: " + truncate(err.Error(), 50)
	}
}

func (e *Engine) rejected(reason string) {
	if e.metrics != nil {
		e.metrics.IncCommandRejected(reason)
	}
}

// -------------------------------------------------------------------------
// Reception Decision
// -------------------------------------------------------------------------

// shouldExecute applies the reception matrix and returns whether the
// command runs here and whether it is answered as a direct or a group
// conversation.
func (e *Engine) shouldExecute(src, dst, msg string) (bool, string) {
	src = strings.ToUpper(src)
	dst = strings.ToUpper(dst)
	msg = strings.ToUpper(msg)

	// Broadcast destinations: only our own commands execute.
	if dst == "*" || dst == "ALL" || dst == "" {
		if src == e.callsign {
			return true, "group"
		}
		return false, ""
	}

	target := e.validator.ExtractTarget(msg)

	if src == e.callsign {
		// Our own commands: no target or our target means local intent.
		if target == "" || target == e.callsign {
			if dst == e.callsign {
				return true, "direct"
			}
			if e.validator.IsGroup(dst) {
				return true, "group"
			}
			return true, "direct"
		}
		return false, ""
	}

	// Incoming direct message to us.
	if dst == e.callsign {
		if target == "" || target == e.callsign {
			return true, "direct"
		}
		return false, ""
	}

	// Incoming group message: requires our callsign as explicit target.
	if e.validator.IsGroup(dst) {
		if target != e.callsign {
			return false, ""
		}
		if e.GroupResponses() || e.isAdmin(src) {
			return true, "group"
		}
		return false, ""
	}

	return false, ""
}

// isAdmin matches the admin base callsign with any SID.
func (e *Engine) isAdmin(callsign string) bool {
	if callsign == "" {
		return false
	}
	base := callsign
	if i := strings.IndexByte(base, '-'); i >= 0 {
		base = base[:i]
	}
	return strings.EqualFold(base, e.adminBase)
}

// -------------------------------------------------------------------------
// Dedup, Throttle, Abuse
// -------------------------------------------------------------------------

// msgIDKey renders any msg_id representation as a stable map key.
// Messages without an id are never deduplicated.
func msgIDKey(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func (e *Engine) isDuplicateMsgID(id string) bool {
	if id == "" {
		return false
	}
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	for k, t := range e.processedIDs {
		if now.Sub(t) > dedupWindow {
			delete(e.processedIDs, k)
		}
	}
	_, seen := e.processedIDs[id]
	return seen
}

func (e *Engine) markMsgID(id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processedIDs[id] = time.Now()
}

// contentHash identifies a repeated command: same sender, same text,
// same destination.
func contentHash(src, msg, dst string) string {
	sum := md5.Sum([]byte(src + "|" + msg + "|" + dst))
	return fmt.Sprintf("%x", sum)[:8]
}

func throttleWindow(cmd string) time.Duration {
	if fastThrottleCommands[cmd] {
		return fastThrottle
	}
	return defaultThrottle
}

// throttleNoticeMinutes renders the per-command window for the throttle
// reply. Both windows round to the same user-facing figure.
func throttleNoticeMinutes(cmd string) int {
	if fastThrottleCommands[cmd] {
		return int(fastThrottle / time.Second)
	}
	return int(defaultThrottle / time.Minute)
}

// contentMark remembers when a command content was executed and which
// command it was, so the repeat window follows the command class.
type contentMark struct {
	at  time.Time
	cmd string
}

// isThrottled reports whether the content hash is inside its command's
// repeat window.
func (e *Engine) isThrottled(hash string) bool {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	for k, m := range e.processedContent {
		if now.Sub(m.at) > defaultThrottle {
			delete(e.processedContent, k)
		}
	}
	m, seen := e.processedContent[hash]
	return seen && now.Sub(m.at) < throttleWindow(m.cmd)
}

func (e *Engine) markContent(hash, cmd string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processedContent[hash] = contentMark{at: time.Now(), cmd: cmd}
}

// trackFailedAttempt records a failed command; three failures within
// the abuse window block the sender.
func (e *Engine) trackFailedAttempt(src string) {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	recent := e.failedAttempts[src][:0]
	for _, t := range e.failedAttempts[src] {
		if now.Sub(t) <= abuseWindow {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	e.failedAttempts[src] = recent

	if len(recent) >= abuseThreshold {
		e.blockedUsers[src] = now.Add(abuseBlock)
		delete(e.failedAttempts, src)
		e.log.Warn("sender blocked for repeated failures",
			"src", src, "until", e.blockedUsers[src])
	}
}

func (e *Engine) isUserBlocked(src string) bool {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	until, ok := e.blockedUsers[src]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(e.blockedUsers, src)
		delete(e.blockNotified, src)
		return false
	}
	return true
}

// firstBlockNotice reports whether the courtesy reply for a blocked
// sender is still owed, and marks it sent.
func (e *Engine) firstBlockNotice(src string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.blockNotified[src] {
		return false
	}
	e.blockNotified[src] = true
	return true
}

// -------------------------------------------------------------------------
// Response Delivery
// -------------------------------------------------------------------------

// sendResponse chunks and delivers a command response. Multi-chunk
// responses are prefixed (i/N) and paced to respect radio air-time.
func (e *Engine) sendResponse(ctx context.Context, response, target, srcType string) {
	if response == "" || target == "" {
		return
	}

	chunks := chunkResponse(response)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("(%d/%d) %s", i+1, len(chunks), chunk)
		}
		e.deliverResponse(ctx, chunk, target, srcType)
		if i < len(chunks)-1 {
			if !sleepCtx(ctx, e.timing.ChunkDelay) {
				return
			}
		}
	}
}

// deliverResponse routes one chunk: to our own callsign it goes to the
// web clients as a finished message; otherwise back out over the
// transport class the request arrived on.
func (e *Engine) deliverResponse(ctx context.Context, chunk, target, srcType string) {
	if target == e.callsign {
		now := time.Now().UnixMilli()
		e.bus.Publish(ctx, router.ProtocolCommands, router.TopicWebMessage, wire.Message{
			"src":       e.callsign,
			"dst":       target,
			"msg":       chunk,
			"msg_id":    now,
			"type":      "msg",
			"src_type":  "node",
			"timestamp": now,
		})
		return
	}

	topic := router.TopicUDPMessage
	switch srcType {
	case "ble", "ble_remote", "ble_client":
		topic = router.TopicBLEMessage
	}
	e.bus.Publish(ctx, router.ProtocolCommands, topic, wire.Message{
		"dst":      target,
		"msg":      chunk,
		"src_type": "command",
		"type":     "msg",
	})
}

// chunkResponse splits a response into at most maxChunks pieces of
// maxResponseLength bytes. It prefers breaking on ", ", then " | ",
// then anywhere on a rune boundary.
func chunkResponse(s string) []string {
	if len(s) <= maxResponseLength {
		return []string{s}
	}

	// Room for the "(i/N) " prefix on every chunk.
	limit := maxResponseLength - len("(1/3) ")

	for _, sep := range []string{", ", " | "} {
		if chunks, ok := packChunks(s, sep, limit); ok {
			return chunks
		}
	}

	chunks := splitBytewise(s, limit)
	if len(chunks) > maxChunks {
		chunks = chunks[:maxChunks]
	}
	return chunks
}

// packChunks greedily packs sep-separated pieces into chunks. Fails when
// a single piece exceeds the limit or more than maxChunks would result.
func packChunks(s, sep string, limit int) ([]string, bool) {
	pieces := strings.Split(s, sep)
	if len(pieces) < 2 {
		return nil, false
	}

	var chunks []string
	current := ""
	for _, piece := range pieces {
		if len(piece) > limit {
			return nil, false
		}
		switch {
		case current == "":
			current = piece
		case len(current)+len(sep)+len(piece) <= limit:
			current += sep + piece
		default:
			chunks = append(chunks, current)
			current = piece
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	if len(chunks) > maxChunks {
		return nil, false
	}
	return chunks, true
}

// splitBytewise cuts s into limit-byte chunks on rune boundaries.
func splitBytewise(s string, limit int) []string {
	var chunks []string
	current := make([]byte, 0, limit)
	for _, r := range s {
		if len(current)+utf8.RuneLen(r) > limit {
			chunks = append(chunks, string(current))
			current = current[:0]
		}
		current = utf8.AppendRune(current, r)
	}
	if len(current) > 0 {
		chunks = append(chunks, string(current))
	}
	return chunks
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// truncate limits s to n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// sleepCtx sleeps for d, returning false when ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
