package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"agentex/app/core/progress"
	"agentex/app/core/registry"
	"agentex/app/pkg/logger"
	"agentex/app/pkg/types"
)

var (
	ErrAgentUnavailable = errors.New("exchange: agent not connected")
	ErrAgentQuarantined = errors.New("exchange: agent quarantined")
	ErrAckTimeout       = errors.New("exchange: assignment not acknowledged")
	ErrHeartbeatStall   = errors.New("exchange: heartbeat stalled")
)

// CancelChecker reports whether a task id has been cancelled. Heartbeat
// replies carry the flag so remote agents can abort early.
type CancelChecker interface {
	Has(id string) bool
}

type Options struct {
	Token             string
	HeartbeatInterval time.Duration
	MissedToAbort     int
	AckTimeout        time.Duration
	QuarantineAfter   int
	QuarantineFor     time.Duration
	IdlePingAfter     time.Duration
	PongWait          time.Duration
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.MissedToAbort <= 0 {
		o.MissedToAbort = 2
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 2 * time.Second
	}
	if o.QuarantineAfter <= 0 {
		o.QuarantineAfter = 3
	}
	if o.QuarantineFor <= 0 {
		o.QuarantineFor = 60 * time.Second
	}
	if o.IdlePingAfter <= 0 {
		o.IdlePingAfter = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 5 * time.Second
	}
}

// Server is the WebSocket endpoint remote agents connect to. Registered
// agents appear in the registry with execution type "exchange" and execute
// through the assignment protocol.
type Server struct {
	registry  *registry.Registry
	progress  *progress.Bus
	cancelled CancelChecker
	opts      Options
	upgrader  websocket.Upgrader

	mu          sync.Mutex
	conns       map[string]*agentConn
	auctions    map[string]*auctionState
	assignments map[string]*assignment
	failures    map[string]int
	quarantined map[string]time.Time
	now         func() time.Time
}

type auctionState struct {
	solicited map[string]bool
	bids      map[string]types.Bid
	done      chan struct{}
	closed    bool
}

type assignment struct {
	taskID    string
	agentID   string
	ack       chan struct{}
	heartbeat chan struct{}
	result    chan types.Result
}

func NewServer(reg *registry.Registry, bus *progress.Bus, cancelled CancelChecker, opts Options) *Server {
	opts.applyDefaults()
	return &Server{
		registry:  reg,
		progress:  bus,
		cancelled: cancelled,
		opts:      opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:       map[string]*agentConn{},
		auctions:    map[string]*auctionState{},
		assignments: map[string]*assignment{},
		failures:    map[string]int{},
		quarantined: map[string]time.Time{},
		now:         time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("[Exchange] Upgrade failed: %v", err)
		return
	}
	c := newAgentConn(ws)
	go c.writeLoop(s.opts.IdlePingAfter, s.opts.PongWait)
	s.readLoop(c)
}

// --- connection ---

const outBuffer = 32

type outMessage struct {
	kind string
	data []byte
}

type agentConn struct {
	ws  *websocket.Conn
	out chan outMessage
	wmu sync.Mutex // serializes all socket writes

	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	agentID  string
	lastSeen time.Time
	pingAt   time.Time
	pinged   bool
}

func newAgentConn(ws *websocket.Conn) *agentConn {
	return &agentConn{
		ws:       ws,
		out:      make(chan outMessage, outBuffer),
		closed:   make(chan struct{}),
		lastSeen: time.Now(),
	}
}

func (c *agentConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *agentConn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.pinged = false
	c.mu.Unlock()
}

// send queues a message. On a full buffer, ping and bid_request frames are
// shed; task_assignment and everything else block until there is room.
func (c *agentConn) send(kind string, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	m := outMessage{kind: kind, data: data}
	select {
	case c.out <- m:
		return true
	case <-c.closed:
		return false
	default:
	}
	switch kind {
	case "ping", "bid_request":
		return false
	}
	select {
	case c.out <- m:
		return true
	case <-c.closed:
		return false
	}
}

func (c *agentConn) writeLoop(idleAfter, pongWait time.Duration) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case m := <-c.out:
			c.wmu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := c.ws.WriteMessage(websocket.TextMessage, m.data)
			c.wmu.Unlock()
			if err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastSeen) > idleAfter
			stale := c.pinged && time.Since(c.pingAt) > pongWait
			shouldPing := idle && !c.pinged
			if shouldPing {
				c.pinged = true
				c.pingAt = time.Now()
			}
			c.mu.Unlock()
			if stale {
				logger.Info("[Exchange] Closing unresponsive connection (%s)", c.agentID)
				c.close()
				return
			}
			if shouldPing {
				c.send("ping", map[string]string{"type": "ping"})
			}
		}
	}
}

// --- reader ---

func (s *Server) readLoop(c *agentConn) {
	defer func() {
		c.close()
		s.dropConn(c)
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Info("[Exchange] Read error (%s): %v", c.agentID, err)
			}
			return
		}
		c.touch()
		if !gjson.ValidBytes(data) {
			c.send("error", wireError{Type: "error", Code: "BAD_JSON", Message: "frame is not valid JSON"})
			continue
		}
		msg := gjson.ParseBytes(data)
		switch msg.Get("type").String() {
		case "register":
			if !s.handleRegister(c, data, msg) {
				return
			}
		case "bid_response":
			s.handleBidResponse(c, msg)
		case "task_ack":
			s.handleTaskAck(msg)
		case "task_heartbeat":
			s.handleHeartbeat(c, msg)
		case "task_result":
			s.handleTaskResult(c, msg)
		case "pong":
			// touch above is enough
		default:
			c.send("error", wireError{Type: "error", Code: "UNKNOWN_TYPE", Message: msg.Get("type").String()})
		}
	}
}

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleRegister authenticates and registers the agent. Returns false when
// the connection must be torn down.
func (s *Server) handleRegister(c *agentConn, raw []byte, msg gjson.Result) bool {
	if s.opts.Token != "" && msg.Get("token").String() != s.opts.Token {
		// written inline so the frame lands before the close
		data, _ := json.Marshal(wireError{Type: "error", Code: "AUTH_FAILED", Message: "bad token"})
		c.wmu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.TextMessage, data)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "AUTH_FAILED"),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		c.close()
		return false
	}

	agentID := msg.Get("agentId").String()
	if agentID == "" {
		c.send("error", wireError{Type: "error", Code: "BAD_REGISTER", Message: "agentId is required"})
		return true
	}

	// reshape the wire payload into a descriptor, then let the registry run
	// its policy checks on the original fields
	payload := string(raw)
	payload, _ = sjson.Delete(payload, "type")
	payload, _ = sjson.Delete(payload, "token")
	payload, _ = sjson.Set(payload, "id", agentID)
	payload, _ = sjson.Set(payload, "execution_type", string(registry.ExecExchange))
	if cats := msg.Get("categories"); cats.Exists() {
		payload, _ = sjson.SetRaw(payload, "keywords", cats.Raw)
	}
	if est := msg.Get("estimatedExecutionMs"); est.Exists() {
		payload, _ = sjson.Set(payload, "estimated_execution_ms", est.Int())
	}

	desc, err := s.registry.RegisterRaw([]byte(payload), &remoteRunner{srv: s, agentID: agentID})
	if err != nil {
		code := "BAD_REGISTER"
		if errors.Is(err, registry.ErrPolicyViolation) {
			code = "POLICY_VIOLATION"
		}
		c.send("error", wireError{Type: "error", Code: code, Message: err.Error()})
		return true
	}

	s.mu.Lock()
	if prev, ok := s.conns[agentID]; ok && prev != c {
		prev.close()
	}
	s.conns[agentID] = c
	s.mu.Unlock()
	c.mu.Lock()
	c.agentID = agentID
	c.mu.Unlock()

	logger.Info("[Exchange] Agent %s registered (%s)", agentID, desc.Name)
	c.send("registered", map[string]string{"type": "registered", "agentId": agentID})
	return true
}

func (s *Server) dropConn(c *agentConn) {
	c.mu.Lock()
	agentID := c.agentID
	c.mu.Unlock()
	if agentID == "" {
		return
	}
	s.mu.Lock()
	if s.conns[agentID] == c {
		delete(s.conns, agentID)
	} else {
		// a newer connection already replaced this one
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := s.registry.Unregister(agentID); err == nil {
		logger.Info("[Exchange] Agent %s disconnected", agentID)
	}
}

func (s *Server) handleBidResponse(c *agentConn, msg gjson.Result) {
	c.mu.Lock()
	agentID := c.agentID
	c.mu.Unlock()
	auctionID := msg.Get("auctionId").String()

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.auctions[auctionID]
	if !ok || st.closed || !st.solicited[agentID] {
		return // auction already closed, bid ignored
	}
	conf := msg.Get("bid.confidence").Float()
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	st.bids[agentID] = types.Bid{
		AgentID:    agentID,
		Confidence: conf,
		Plan:       msg.Get("bid.plan").String(),
		Reasoning:  msg.Get("bid.reasoning").String(),
		Risk:       types.RiskNone,
	}
	if len(st.bids) == len(st.solicited) {
		st.closed = true
		close(st.done)
	}
}

func (s *Server) handleTaskAck(msg gjson.Result) {
	taskID := msg.Get("taskId").String()
	s.mu.Lock()
	a, ok := s.assignments[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case a.ack <- struct{}{}:
	default:
	}
}

func (s *Server) handleHeartbeat(c *agentConn, msg gjson.Result) {
	taskID := msg.Get("taskId").String()
	s.mu.Lock()
	a, ok := s.assignments[taskID]
	s.mu.Unlock()
	if !ok {
		c.send("error", wireError{Type: "error", Code: "UNKNOWN_TASK", Message: taskID})
		return
	}
	select {
	case a.heartbeat <- struct{}{}:
	default:
	}
	if prog := msg.Get("progress").String(); prog != "" && s.progress != nil {
		s.progress.Publish(taskID, prog)
	}
	cancelledFlag := s.cancelled != nil && s.cancelled.Has(taskID)
	c.send("heartbeat_ack", map[string]interface{}{
		"type":      "heartbeat_ack",
		"taskId":    taskID,
		"cancelled": cancelledFlag,
	})
}

func (s *Server) handleTaskResult(c *agentConn, msg gjson.Result) {
	taskID := msg.Get("taskId").String()
	s.mu.Lock()
	a, ok := s.assignments[taskID]
	s.mu.Unlock()
	if !ok {
		c.send("error", wireError{Type: "error", Code: "UNKNOWN_TASK", Message: taskID})
		return
	}
	res := types.Result{
		Success: msg.Get("result.success").Bool(),
		Output:  msg.Get("result.output").String(),
		Message: msg.Get("result.message").String(),
	}
	if ni := msg.Get("result.needsInput"); ni.Exists() {
		res.NeedsInput = &types.InputRequest{
			Field:  ni.Get("field").String(),
			Prompt: ni.Get("prompt").String(),
		}
	}
	if ud := msg.Get("result.undoDescription").String(); ud != "" {
		res.UndoDescription = ud
	}
	select {
	case a.result <- res:
	default:
	}
}

// --- bid solicitation (auction.RemoteSolicitor) ---

// Solicit broadcasts a bid_request to every connected, non-quarantined
// exchange agent and collects responses until the deadline. Absent responses
// simply do not appear in the returned map.
func (s *Server) Solicit(ctx context.Context, auctionID string, task types.Task, deadline time.Duration) map[string]types.Bid {
	s.mu.Lock()
	st := &auctionState{
		solicited: map[string]bool{},
		bids:      map[string]types.Bid{},
		done:      make(chan struct{}),
	}
	var targets []*agentConn
	for id, c := range s.conns {
		if until, ok := s.quarantined[id]; ok && s.now().Before(until) {
			continue
		}
		st.solicited[id] = true
		targets = append(targets, c)
	}
	if len(targets) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.auctions[auctionID] = st
	s.mu.Unlock()

	req := map[string]interface{}{
		"type":      "bid_request",
		"auctionId": auctionID,
		"task": map[string]interface{}{
			"id":   task.ID,
			"kind": string(task.Kind),
			"text": task.Normalized,
		},
	}
	for _, c := range targets {
		c.send("bid_request", req)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-st.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	st.closed = true
	delete(s.auctions, auctionID)
	out := make(map[string]types.Bid, len(st.bids))
	for id, bid := range st.bids {
		out[id] = bid
	}
	s.mu.Unlock()
	return out
}

// --- task assignment ---

// remoteRunner adapts an exchange connection to the Runner interface so the
// executor treats remote agents like any other.
type remoteRunner struct {
	srv     *Server
	agentID string
}

func (r *remoteRunner) Run(ctx context.Context, task types.Task) (types.Result, error) {
	return r.srv.assign(ctx, r.agentID, task, task.Attempt > 1)
}

func (s *Server) assign(ctx context.Context, agentID string, task types.Task, isBackup bool) (types.Result, error) {
	s.mu.Lock()
	if until, ok := s.quarantined[agentID]; ok {
		if s.now().Before(until) {
			s.mu.Unlock()
			return types.Result{}, fmt.Errorf("%w: %s until %s", ErrAgentQuarantined, agentID, until.Format(time.RFC3339))
		}
		delete(s.quarantined, agentID)
	}
	c, ok := s.conns[agentID]
	if !ok {
		s.mu.Unlock()
		return types.Result{}, fmt.Errorf("%w: %s", ErrAgentUnavailable, agentID)
	}
	a := &assignment{
		taskID:    task.ID,
		agentID:   agentID,
		ack:       make(chan struct{}, 1),
		heartbeat: make(chan struct{}, 1),
		result:    make(chan types.Result, 1),
	}
	s.assignments[task.ID] = a
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.assignments, task.ID)
		s.mu.Unlock()
	}()

	ok = c.send("task_assignment", map[string]interface{}{
		"type":     "task_assignment",
		"taskId":   task.ID,
		"isBackup": isBackup,
		"task": map[string]interface{}{
			"id":     task.ID,
			"kind":   string(task.Kind),
			"text":   task.Normalized,
			"params": task.Params,
		},
	})
	if !ok {
		return types.Result{}, fmt.Errorf("%w: %s", ErrAgentUnavailable, agentID)
	}

	ackTimer := time.NewTimer(s.opts.AckTimeout)
	defer ackTimer.Stop()
	select {
	case <-a.ack:
	case <-ackTimer.C:
		s.recordFailure(agentID)
		return types.Result{}, fmt.Errorf("%w: %s on task %s", ErrAckTimeout, agentID, task.ID)
	case <-ctx.Done():
		return types.Result{}, ctx.Err()
	}

	// two missed heartbeats abort the assignment
	stallAfter := s.opts.HeartbeatInterval * time.Duration(s.opts.MissedToAbort)
	stall := time.NewTimer(stallAfter)
	defer stall.Stop()
	for {
		select {
		case res := <-a.result:
			if res.Success {
				s.recordSuccess(agentID)
			} else {
				s.recordFailure(agentID)
			}
			return res, nil
		case <-a.heartbeat:
			if !stall.Stop() {
				select {
				case <-stall.C:
				default:
				}
			}
			stall.Reset(stallAfter)
		case <-stall.C:
			s.recordFailure(agentID)
			return types.Result{}, fmt.Errorf("%w: %s on task %s", ErrHeartbeatStall, agentID, task.ID)
		case <-ctx.Done():
			return types.Result{}, ctx.Err()
		}
	}
}

func (s *Server) recordSuccess(agentID string) {
	s.mu.Lock()
	delete(s.failures, agentID)
	s.mu.Unlock()
}

func (s *Server) recordFailure(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[agentID]++
	if s.failures[agentID] >= s.opts.QuarantineAfter {
		until := s.now().Add(s.opts.QuarantineFor)
		s.quarantined[agentID] = until
		delete(s.failures, agentID)
		logger.Info("[Exchange] Agent %s quarantined until %s", agentID, until.Format(time.RFC3339))
	}
}

// ConnectedAgents reports the ids of currently connected agents.
func (s *Server) ConnectedAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}
