package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentex/app/core/brief"
	"agentex/app/core/executor"
	"agentex/app/core/queue"
	"agentex/app/core/registry"
	"agentex/app/core/router"
	"agentex/app/pkg/logger"
	"agentex/app/pkg/types"
)

const responseTimeout = 60 * time.Second

// SpeechHub fans spoken lines out to a default sink and any per-request
// listeners. It is the router's Speaker in HTTP embeddings.
type SpeechHub struct {
	mu   sync.Mutex
	subs map[string][]chan string
	sink func(sessionID, text string)
}

func NewSpeechHub(sink func(sessionID, text string)) *SpeechHub {
	return &SpeechHub{subs: map[string][]chan string{}, sink: sink}
}

func (h *SpeechHub) Speak(sessionID, text string) {
	if h.sink != nil {
		h.sink(sessionID, text)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[sessionID] {
		select {
		case ch <- text:
		default:
		}
	}
}

func (h *SpeechHub) listen(sessionID string) (chan string, func()) {
	ch := make(chan string, 64)
	h.mu.Lock()
	h.subs[sessionID] = append(h.subs[sessionID], ch)
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.subs[sessionID]
		for i, cur := range list {
			if cur == ch {
				h.subs[sessionID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(h.subs[sessionID]) == 0 {
			delete(h.subs, sessionID)
		}
	}
	return ch, cancel
}

// Server is the local JSON surface over the router and queues.
type Server struct {
	port      int
	router    *router.Router
	registry  *registry.Registry
	queues    *queue.Manager
	cancelled *executor.CancelSet
	brief     *brief.Composer
	hub       *SpeechHub

	server  *http.Server
	started time.Time
}

func NewServer(port int, r *router.Router, reg *registry.Registry, q *queue.Manager,
	cancelled *executor.CancelSet, composer *brief.Composer, hub *SpeechHub) *Server {
	return &Server{
		port:      port,
		router:    r,
		registry:  reg,
		queues:    q,
		cancelled: cancelled,
		brief:     composer,
		hub:       hub,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/message", s.handleMessage)
	mux.HandleFunc("/api/cancel", s.handleCancel)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/enable", s.handleEnable(true))
	mux.HandleFunc("/api/agents/disable", s.handleEnable(false))
	mux.HandleFunc("/api/brief", s.handleBrief)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.started = time.Now()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	logger.Info("[HTTP] Listening on port %d...", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Serve runs on an existing listener. Used when the caller needs to claim
// the port itself first.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.started = time.Now()
	s.server = &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type messageRequest struct {
	Text      string            `json:"text"`
	SessionID string            `json:"sessionId"`
	SpaceID   string            `json:"spaceId"`
	Profile   map[string]string `json:"profile"`
	History   []types.Turn      `json:"history"`
}

type messageResponse struct {
	Spoken []string `json:"spoken"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req messageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = "http"
	}

	lines, cancel := s.hub.listen(req.SessionID)
	defer cancel()

	done := s.router.Handle(r.Context(), types.Utterance{
		Text:      req.Text,
		SessionID: req.SessionID,
		SpaceID:   req.SpaceID,
		Profile:   req.Profile,
		History:   req.History,
	})

	var spoken []string
	timeout := time.NewTimer(responseTimeout)
	defer timeout.Stop()
	settled := false
	for !settled {
		select {
		case line := <-lines:
			spoken = append(spoken, line)
		case <-done:
			settled = true
		case <-timeout.C:
			settled = true
		case <-r.Context().Done():
			settled = true
		}
	}
	// drain lines spoken just before the tasks settled
	for {
		select {
		case line := <-lines:
			spoken = append(spoken, line)
		default:
			writeJSON(w, http.StatusOK, messageResponse{Spoken: spoken})
			return
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	s.cancelled.Add(req.TaskID)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	writeJSON(w, http.StatusOK, s.queues.Stats())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	writeJSON(w, http.StatusOK, s.registry.List(enabledOnly))
}

func (s *Server) handleEnable(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST only")
			return
		}
		var req struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		if err := s.registry.SetEnabled(req.ID, enable); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": enable})
	}
}

func (s *Server) handleBrief(w http.ResponseWriter, r *http.Request) {
	if s.brief == nil {
		writeError(w, http.StatusNotFound, "brief not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"brief": s.brief.Compose(r.Context())})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"activeTasks": s.queues.ActiveTasks(),
		"queueStats":  s.queues.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
