package router

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"agentex/app/configs"
	"agentex/app/core/auction"
	"agentex/app/core/completer"
	"agentex/app/core/decomposer"
	"agentex/app/core/executor"
	"agentex/app/core/progress"
	"agentex/app/core/queue"
	"agentex/app/core/registry"
	"agentex/app/pkg/logger"
	"agentex/app/pkg/types"
)

// Speaker receives every line the router wants spoken for a session.
type Speaker interface {
	Speak(sessionID, text string)
}

// Deps is the router's wiring. Everything is injected; the router holds no
// process-wide state.
type Deps struct {
	Config     configs.RouterConfig
	Completer  completer.Completer
	Decomposer *decomposer.Decomposer
	Auctioneer *auction.Auctioneer
	Executor   *executor.Executor
	Registry   *registry.Registry
	Queues     *queue.Manager
	Progress   *progress.Bus
	Speaker    Speaker
	Queue      string
}

// Router is the single entry point from the speech/UI layer. It owns all
// per-session conversation state and the task ids it has issued.
type Router struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*session
	pending  map[string]*dispatched
}

type session struct {
	id     string
	memory *ResponseMemory

	mu       sync.Mutex
	recent   []contextEntry
	question *pendingQuestion
	confirm  *pendingConfirmation
	active   map[string]bool
}

type contextEntry struct {
	subject  string
	response string
	at       time.Time
}

type pendingQuestion struct {
	field   string
	prompt  string
	agentID string
	task    types.Task
}

// pendingConfirmation holds the two continuations for a yes/no prompt.
type pendingConfirmation struct {
	description string
	confirm     func(context.Context)
	reject      func(context.Context)
}

type dispatched struct {
	sess    *session
	wg      *sync.WaitGroup
	profile map[string]string
	history []types.Turn
}

const recentContextCap = 8

var (
	cancelPhrases = []string{"cancel", "stop", "never mind", "nevermind", "forget it", "abort"}
	cancelTails   = map[string]bool{
		"it": true, "that": true, "this": true, "everything": true, "all": true, "now": true,
	}
	repeatPhrases = map[string]bool{
		"repeat": true, "repeat that": true, "say that again": true, "what did you say": true,
	}
	undoPhrases = map[string]bool{
		"undo": true, "undo that": true, "undo it": true,
	}
	correctionMarkers = []string{
		"no i said", "no, i said", "no i meant", "no, i meant", "i meant", "i mean,", "that's not what i said",
	}
	pronounWords = map[string]bool{
		"it": true, "that": true, "this": true, "them": true, "those": true, "these": true,
	}
	questionWords = map[string]bool{
		"what": true, "what's": true, "when": true, "where": true, "who": true, "why": true,
		"how": true, "which": true, "can": true, "could": true, "will": true, "would": true,
		"is": true, "are": true, "do": true, "does": true, "did": true,
	}
	actionVerbs = map[string]bool{
		"find": true, "search": true, "play": true, "open": true, "check": true,
		"look": true, "get": true, "show": true, "fetch": true, "send": true,
	}

	immediateAcks     = []string{"Okay.", "Got it.", "Noted.", "Alright."}
	investigativeAcks = []string{"Let me check.", "Looking into that.", "One moment.", "On it."}
	failureLines      = []string{
		"Sorry, that didn't work.",
		"I ran into a problem with that.",
		"That didn't go through.",
	}
)

func New(deps Deps) *Router {
	if deps.Queue == "" {
		deps.Queue = "main"
	}
	r := &Router{
		deps:     deps,
		sessions: map[string]*session{},
		pending:  map[string]*dispatched{},
	}
	// overflowed tasks never reach the handler; settle them from the event
	// stream so Handle's done channel still closes
	deps.Queues.Subscribe(r.onQueueEvent)
	return r
}

func (r *Router) onQueueEvent(ev queue.Event) {
	if ev.Type != queue.EventDeadletter || ev.Reason != "overflow" {
		return
	}
	r.mu.Lock()
	d := r.pending[ev.Task.ID]
	r.mu.Unlock()
	if d == nil {
		return
	}
	r.untrack(ev.Task.ID)
	r.speak(d.sess, "I had to set that aside, there's too much going on right now.")
	d.wg.Done()
}

// Handle processes one utterance. The returned channel closes once every
// task dispatched for the utterance has reached a terminal state; short
// circuited utterances close it immediately.
func (r *Router) Handle(ctx context.Context, utt types.Utterance) <-chan struct{} {
	done := make(chan struct{})
	sess := r.session(utt.SessionID)

	norm := normalize(utt.Text)
	if norm == "" {
		r.speak(sess, "I didn't catch that.")
		close(done)
		return done
	}

	if r.interceptCritical(ctx, sess, norm) {
		close(done)
		return done
	}

	if corrected, ok := r.detectCorrection(ctx, utt); ok {
		logger.Info("[Router] Correction accepted: %q", corrected)
		utt.Text = corrected
		norm = normalize(corrected)
	} else if sess.pendingQuestion() != nil {
		r.answerPending(ctx, sess, utt.Text)
		close(done)
		return done
	}

	if pc := sess.pendingConfirmation(); pc != nil {
		if !r.resolveConfirmation(ctx, sess, norm, pc) {
			r.speak(sess, "Please answer yes or no. "+pc.description)
		}
		close(done)
		return done
	}

	utt.Text = r.resolvePronouns(sess, utt.Text)
	r.speak(sess, r.acknowledgment(norm))

	dec := r.deps.Decomposer.Decompose(ctx, utt)
	var wg sync.WaitGroup
	for i := range dec.Tasks {
		task := dec.Tasks[i]
		switch task.Kind {
		case types.TaskSystem:
			r.runSystemCommand(ctx, sess, task.Command)
		case types.TaskClarify:
			r.speak(sess, task.Text)
		case types.TaskError:
			r.speak(sess, failureLine())
		default:
			wg.Add(1)
			r.track(sess, &task, &wg, utt)
			if err := r.deps.Queues.Enqueue(r.deps.Queue, &task); err != nil {
				logger.Error("[Router] Enqueue failed for task %s: %v", task.ID, err)
				r.untrack(task.ID)
				wg.Done()
				r.speak(sess, "I'm overloaded right now, give me a moment and try again.")
			}
		}
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// HandleTask is the queue handler: one auction, one execution, one result.
func (r *Router) HandleTask(ctx context.Context, task *types.Task) queue.Disposition {
	r.mu.Lock()
	d := r.pending[task.ID]
	r.mu.Unlock()
	if d == nil {
		logger.Error("[Router] Task %s reached the dispatcher without a pending record", task.ID)
		return queue.Failed
	}

	disp := r.runTask(ctx, d, task)
	if disp != queue.Retry {
		r.untrack(task.ID)
		d.wg.Done()
	}
	return disp
}

func (r *Router) runTask(ctx context.Context, d *dispatched, task *types.Task) queue.Disposition {
	sess := d.sess
	cancelled := r.deps.Executor.Cancelled()
	if cancelled.Has(task.ID) {
		cancelled.Remove(task.ID)
		return queue.Cancelled
	}

	var candidates []types.Bid
	if target := task.Params["target_agent"]; target != "" {
		// handoffs bypass the auction
		candidates = []types.Bid{{AgentID: target, Confidence: 1}}
	} else {
		outcome, err := r.deps.Auctioneer.Run(ctx, *task, d.profile, d.history)
		if err != nil {
			if !cancelled.Has(task.ID) {
				r.speak(sess, "I don't know how to help with that.")
			}
			return queue.NoAgent
		}
		if outcome.FastPath != "" {
			r.processResult(ctx, sess, task, types.Result{Success: true, Message: outcome.FastPath})
			return queue.Completed
		}
		candidates = append([]types.Bid{outcome.Winner}, outcome.Backups...)
	}

	progCh, unsub := r.deps.Progress.Subscribe(task.ID)
	go func() {
		for msg := range progCh {
			r.speak(sess, msg)
		}
	}()
	defer unsub()

	res, disp := r.deps.Executor.Execute(ctx, task, candidates)
	switch disp {
	case queue.Completed:
		r.processResult(ctx, sess, task, res)
	case queue.Cancelled:
		cancelled.Remove(task.ID)
	case queue.Deadletter:
		if !cancelled.Has(task.ID) {
			r.speak(sess, "I couldn't finish that in time.")
		}
	}
	return disp
}

// processResult applies the result-routing rules for one completed task.
// Results for cancelled task ids are dropped without a word.
func (r *Router) processResult(ctx context.Context, sess *session, task *types.Task, res types.Result) {
	cancelled := r.deps.Executor.Cancelled()
	if cancelled.Has(task.ID) {
		cancelled.Remove(task.ID)
		return
	}

	if res.NeedsInput != nil {
		sess.setQuestion(&pendingQuestion{
			field:   res.NeedsInput.Field,
			prompt:  res.NeedsInput.Prompt,
			agentID: task.AgentID,
			task:    *task,
		})
		r.speak(sess, res.NeedsInput.Prompt)
		return
	}

	if res.Handoff != nil {
		if res.Message != "" {
			r.speakStored(sess, res.Message)
		}
		r.submitHandoff(sess, task, res.Handoff)
		return
	}

	if res.Success {
		if res.Message != "" {
			r.speakStored(sess, res.Message)
		}
		if res.Undo != nil {
			sess.memory.StoreUndoable(res.UndoDescription, res.Undo)
		}
		sess.remember(extractSubject(task.Normalized), res.Message)
		return
	}

	if res.Message != "" {
		r.speakStored(sess, res.Message)
		return
	}
	r.speak(sess, failureLine())
}

// --- step 1: critical-command intercept ---

func (r *Router) interceptCritical(ctx context.Context, sess *session, norm string) bool {
	if repeatPhrases[norm] {
		if msg := sess.memory.LastMessage(); msg != "" {
			r.speak(sess, msg)
		} else {
			r.speak(sess, "I haven't said anything yet.")
		}
		return true
	}
	if undoPhrases[norm] {
		r.speak(sess, sess.memory.Undo(ctx))
		return true
	}
	if isBareCancel(norm) {
		r.cancelActive(sess)
		return true
	}
	return false
}

// isBareCancel matches a cancel word alone or followed by a single pronoun.
// A noun phrase after the cancel word means the user wants an agent to cancel
// something out in the world, so the utterance goes to the auction instead.
func isBareCancel(norm string) bool {
	for _, phrase := range cancelPhrases {
		if norm == phrase {
			return true
		}
		if strings.HasPrefix(norm, phrase+" ") && cancelTails[strings.TrimSpace(norm[len(phrase):])] {
			return true
		}
	}
	return false
}

func (r *Router) cancelActive(sess *session) {
	cancelled := r.deps.Executor.Cancelled()
	sess.mu.Lock()
	for id := range sess.active {
		cancelled.Add(id)
	}
	sess.question = nil
	sess.confirm = nil
	sess.mu.Unlock()
	r.speak(sess, "Cancelled.")
}

func (r *Router) runSystemCommand(ctx context.Context, sess *session, command string) {
	switch command {
	case "cancel":
		r.cancelActive(sess)
	case "repeat":
		if msg := sess.memory.LastMessage(); msg != "" {
			r.speak(sess, msg)
		} else {
			r.speak(sess, "I haven't said anything yet.")
		}
	case "undo":
		r.speak(sess, sess.memory.Undo(ctx))
	}
}

// --- step 2: correction detection ---

// detectCorrection is pattern-first: a marker with a usable tail wins
// outright, a marker without one asks the completer what was meant.
func (r *Router) detectCorrection(ctx context.Context, utt types.Utterance) (string, bool) {
	lower := strings.ToLower(utt.Text)
	for _, marker := range correctionMarkers {
		idx := strings.Index(lower, marker)
		if idx < 0 {
			continue
		}
		tail := strings.TrimSpace(utt.Text[idx+len(marker):])
		tail = strings.TrimLeft(tail, ",. ")
		if tail != "" {
			return tail, true
		}
		return r.askCorrectedIntent(ctx, utt)
	}
	return "", false
}

func (r *Router) askCorrectedIntent(ctx context.Context, utt types.Utterance) (string, bool) {
	if r.deps.Completer == nil {
		return "", false
	}
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := r.deps.Completer.Chat(callCtx, completer.Request{
		System:    correctionSystemPrompt,
		Messages:  []completer.Message{{Role: "user", Content: correctionInput(utt)}},
		MaxTokens: 200,
		JSONMode:  true,
		Feature:   "correction",
	})
	if err != nil {
		logger.Error("[Router] Correction lookup failed: %v", err)
		return "", false
	}
	corrected := strings.TrimSpace(gjson.Get(resp.Content, "corrected").String())
	if corrected == "" {
		return "", false
	}
	return corrected, true
}

const correctionSystemPrompt = `The user is correcting something they said earlier.
Work out the full corrected request from the conversation and the correction.
Return JSON only: {"corrected":"the full corrected request, or empty if unclear"}`

func correctionInput(utt types.Utterance) string {
	var b strings.Builder
	history := utt.History
	if len(history) > 6 {
		history = history[len(history)-6:]
	}
	for _, turn := range history {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	b.WriteString("correction: ")
	b.WriteString(utt.Text)
	return b.String()
}

// --- step 3: pending question ---

func (r *Router) answerPending(ctx context.Context, sess *session, answer string) {
	pq := sess.pendingQuestion()
	sess.setQuestion(nil)

	runner, ok := r.deps.Registry.Runner(pq.agentID)
	if !ok {
		r.speak(sess, failureLine())
		return
	}

	task := pq.task
	var res types.Result
	var err error
	if answerer, ok := runner.(types.Answerer); ok {
		res, err = answerer.Answer(ctx, task, pq.field, answer)
	} else {
		if task.Params == nil {
			task.Params = map[string]string{}
		}
		task.Params[pq.field] = answer
		res, err = runner.Run(ctx, task)
	}
	if err != nil {
		logger.Error("[Router] Pending answer to %s failed: %v", pq.agentID, err)
		r.speak(sess, failureLine())
		return
	}
	r.processResult(ctx, sess, &task, res)
}

// --- step 4: pending confirmation ---

// RequestConfirmation arms the session's yes/no slot. At most one
// confirmation may be active; a newer request replaces the older one.
func (r *Router) RequestConfirmation(sessionID, description string, confirm, reject func(context.Context)) {
	sess := r.session(sessionID)
	sess.mu.Lock()
	sess.confirm = &pendingConfirmation{description: description, confirm: confirm, reject: reject}
	sess.mu.Unlock()
	r.speak(sess, description)
}

// UpdateConfig swaps in reloaded router settings, notably the yes/no word
// lists.
func (r *Router) UpdateConfig(cfg configs.RouterConfig) {
	r.mu.Lock()
	r.deps.Config = cfg
	r.mu.Unlock()
}

func (r *Router) confirmWords() (yes, no []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deps.Config.ConfirmYes, r.deps.Config.ConfirmNo
}

func (r *Router) resolveConfirmation(ctx context.Context, sess *session, norm string, pc *pendingConfirmation) bool {
	yes, no := r.confirmWords()
	if matchesAny(norm, yes) {
		sess.setConfirmation(nil)
		if pc.confirm != nil {
			pc.confirm(ctx)
		}
		return true
	}
	if matchesAny(norm, no) {
		sess.setConfirmation(nil)
		if pc.reject != nil {
			pc.reject(ctx)
		}
		r.speak(sess, "Okay, I won't.")
		return true
	}
	return false
}

func matchesAny(norm string, words []string) bool {
	for _, w := range words {
		if norm == strings.ToLower(w) {
			return true
		}
	}
	return false
}

// --- step 5: pronoun resolution ---

// resolvePronouns substitutes bare pronouns with the most recent subject so
// downstream bidding sees an explicit request.
func (r *Router) resolvePronouns(sess *session, text string) string {
	subject := sess.lastSubject()
	if subject == "" {
		return text
	}
	words := strings.Fields(text)
	replaced := false
	for i, w := range words {
		if pronounWords[strings.ToLower(strings.Trim(w, ".,!?"))] {
			words[i] = subject
			replaced = true
		}
	}
	if !replaced {
		return text
	}
	return strings.Join(words, " ")
}

// extractSubject strips the leading verb phrase so "find me a jazz podcast"
// remembers "a jazz podcast".
func extractSubject(text string) string {
	words := strings.Fields(strings.ToLower(text))
	skip := map[string]bool{
		"find": true, "search": true, "get": true, "show": true, "fetch": true,
		"play": true, "open": true, "look": true, "up": true, "for": true, "me": true,
		"please": true,
	}
	i := 0
	for i < len(words) && skip[words[i]] {
		i++
	}
	if i == 0 || i >= len(words) {
		return strings.TrimSpace(text)
	}
	return strings.Join(strings.Fields(text)[i:], " ")
}

// --- step 6: acknowledgment ---

func (r *Router) acknowledgment(norm string) string {
	if isRequest(norm) {
		return investigativeAcks[rand.Intn(len(investigativeAcks))]
	}
	return immediateAcks[rand.Intn(len(immediateAcks))]
}

func isRequest(norm string) bool {
	if strings.HasSuffix(norm, "?") {
		return true
	}
	words := strings.Fields(norm)
	if len(words) == 0 {
		return false
	}
	return questionWords[words[0]] || actionVerbs[words[0]]
}

// --- dispatch bookkeeping ---

func (r *Router) track(sess *session, task *types.Task, wg *sync.WaitGroup, utt types.Utterance) {
	r.mu.Lock()
	r.pending[task.ID] = &dispatched{sess: sess, wg: wg, profile: utt.Profile, history: utt.History}
	r.mu.Unlock()
	sess.mu.Lock()
	sess.active[task.ID] = true
	sess.mu.Unlock()
}

func (r *Router) untrack(taskID string) {
	r.mu.Lock()
	d := r.pending[taskID]
	delete(r.pending, taskID)
	r.mu.Unlock()
	if d != nil {
		d.sess.mu.Lock()
		delete(d.sess.active, taskID)
		d.sess.mu.Unlock()
	}
}

func (r *Router) submitHandoff(sess *session, parent *types.Task, h *types.Handoff) {
	child := types.Task{
		ID:          uuid.NewString(),
		Kind:        types.TaskIntent,
		Text:        h.Text,
		Normalized:  h.Text,
		Params:      map[string]string{"target_agent": h.AgentID},
		Priority:    parent.Priority,
		UtteranceID: parent.UtteranceID,
		SessionID:   parent.SessionID,
		CreatedAt:   time.Now(),
		MaxAttempts: 1,
		State:       types.StatePending,
	}

	r.mu.Lock()
	parentRec := r.pending[parent.ID]
	r.mu.Unlock()

	var wg *sync.WaitGroup
	if parentRec != nil {
		wg = parentRec.wg
		wg.Add(1)
	} else {
		wg = &sync.WaitGroup{}
		wg.Add(1)
	}
	r.mu.Lock()
	r.pending[child.ID] = &dispatched{sess: sess, wg: wg}
	r.mu.Unlock()
	sess.mu.Lock()
	sess.active[child.ID] = true
	sess.mu.Unlock()

	if err := r.deps.Queues.Enqueue(r.deps.Queue, &child); err != nil {
		logger.Error("[Router] Handoff enqueue to %s failed: %v", h.AgentID, err)
		r.untrack(child.ID)
		wg.Done()
	}
}

// --- session state ---

func (r *Router) session(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := &session{id: id, memory: NewResponseMemory(), active: map[string]bool{}}
	r.sessions[id] = s
	return s
}

// ResetSession clears all conversation state for a session. Used on internal
// invariant violations so the next utterance starts clean.
func (r *Router) ResetSession(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (s *session) pendingQuestion() *pendingQuestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.question
}

func (s *session) setQuestion(q *pendingQuestion) {
	s.mu.Lock()
	s.question = q
	s.mu.Unlock()
}

func (s *session) pendingConfirmation() *pendingConfirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirm
}

func (s *session) setConfirmation(c *pendingConfirmation) {
	s.mu.Lock()
	s.confirm = c
	s.mu.Unlock()
}

func (s *session) remember(subject, response string) {
	if subject == "" {
		return
	}
	s.mu.Lock()
	s.recent = append(s.recent, contextEntry{subject: subject, response: response, at: time.Now()})
	if len(s.recent) > recentContextCap {
		s.recent = s.recent[len(s.recent)-recentContextCap:]
	}
	s.mu.Unlock()
}

func (s *session) lastSubject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recent) == 0 {
		return ""
	}
	return s.recent[len(s.recent)-1].subject
}

func (r *Router) speak(sess *session, text string) {
	if text == "" {
		return
	}
	logger.Info("[Router] -> %s: %s", sess.id, text)
	if r.deps.Speaker != nil {
		r.deps.Speaker.Speak(sess.id, text)
	}
}

// speakStored speaks an agent-emitted message and records it for "repeat".
func (r *Router) speakStored(sess *session, text string) {
	sess.memory.StoreMessage(text)
	r.speak(sess, text)
}

func failureLine() string {
	return failureLines[rand.Intn(len(failureLines))]
}

func normalize(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	lower = strings.TrimRight(lower, ".!")
	replacer := strings.NewReplacer(",", " ", "  ", " ")
	lower = replacer.Replace(lower)
	return strings.Join(strings.Fields(lower), " ")
}
