package bridge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/event"
)

// Server exposes the bridge over HTTP inside the sandbox: a single live SSE
// stream for the client, message and stop endpoints for the control plane,
// and a health probe.
type Server struct {
	conversationID int64
	queue          *Queue
	broadcaster    *Broadcaster
	keepalive      time.Duration

	// runnerToken is the sandbox-scoped secret seeded at spawn. It gates
	// /message and /stop for the sandbox's whole lifetime, including
	// between turns when the per-turn tokens are gone.
	runnerToken string

	mu           sync.Mutex
	streamToken  string
	persistToken string
	turnActive   bool
	interrupt    func()
}

func NewServer(conversationID int64, keepalive time.Duration, runnerToken, initialStreamToken, initialPersistToken string) *Server {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Server{
		conversationID: conversationID,
		queue:          NewQueue(),
		broadcaster:    NewBroadcaster(),
		keepalive:      keepalive,
		runnerToken:    runnerToken,
		streamToken:    initialStreamToken,
		persistToken:   initialPersistToken,
	}
}

func (s *Server) Queue() *Queue { return s.queue }

func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// Publish forwards a semantic event to the live subscriber, if any.
func (s *Server) Publish(ev event.Semantic) {
	s.broadcaster.Publish(ev)
}

// BeginTurn adopts the submission's per-turn tokens and registers the
// interrupt hook for the duration of the turn.
func (s *Server) BeginTurn(in Inbound, interrupt func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.StreamToken != "" {
		s.streamToken = in.StreamToken
	}
	if in.PersistToken != "" {
		s.persistToken = in.PersistToken
	}
	s.turnActive = true
	s.interrupt = interrupt
}

// EndTurn drops the per-turn tokens, mirroring their invalidation on the
// control plane.
func (s *Server) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamToken = ""
	s.persistToken = ""
	s.turnActive = false
	s.interrupt = nil
}

func (s *Server) Register(r *gin.Engine) {
	r.GET("/stream", s.handleStream)
	r.POST("/message", s.handleMessage)
	r.POST("/stop", s.handleStop)
	r.GET("/health", s.handleHealth)
}

type messageRequest struct {
	Message         string `json:"message" binding:"required"`
	StreamToken     string `json:"streamToken"`
	PersistToken    string `json:"persistToken"`
	ResumeSessionID string `json:"resumeSessionId"`
	Watermark       int64  `json:"watermark"`
}

func (s *Server) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// Submissions carry fresh per-turn tokens the runner has never seen, so
	// they authenticate with the sandbox-scoped token instead. That token
	// survives EndTurn; an idle runner never accepts blind.
	if s.runnerToken == "" || bearerToken(c) != s.runnerToken {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	s.queue.Push(Inbound{
		Message:         req.Message,
		StreamToken:     req.StreamToken,
		PersistToken:    req.PersistToken,
		ResumeSessionID: req.ResumeSessionID,
		Watermark:       req.Watermark,
	})
	c.JSON(http.StatusAccepted, gin.H{"queued": s.queue.Len()})
}

// handleStop is idempotent: stopping an idle runner succeeds with nothing to
// do.
func (s *Server) handleStop(c *gin.Context) {
	tok := bearerToken(c)
	s.mu.Lock()
	authorized := (s.runnerToken != "" && tok == s.runnerToken) ||
		(s.persistToken != "" && tok == s.persistToken) ||
		(s.streamToken != "" && tok == s.streamToken)
	interrupt := s.interrupt
	active := s.turnActive
	s.mu.Unlock()

	if !authorized {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if interrupt != nil {
		interrupt()
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true, "wasActive": active})
}

func (s *Server) handleStream(c *gin.Context) {
	s.mu.Lock()
	token := s.streamToken
	active := s.turnActive
	s.mu.Unlock()

	if token == "" || bearerToken(c) != token {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	setSSEHeaders(c.Writer)
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// The init frame lets the client distinguish "connected" from "first
	// event still pending".
	sseWrite(c.Writer, "init", gin.H{
		"conversationId": s.conversationID,
		"turnActive":     active,
	})
	flusher.Flush()

	sub := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(sub)

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	clientClosed := c.Request.Context().Done()
	for {
		select {
		case <-clientClosed:
			return
		case <-ticker.C:
			sseComment(c.Writer, "keepalive")
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				if sub.Preempted() {
					sseWrite(c.Writer, "preempted", "a newer connection took over")
					flusher.Flush()
				}
				return
			}
			sseWrite(c.Writer, "event", ev)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	active := s.turnActive
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"turnActive": active,
		"queued":     s.queue.Len(),
	})
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return c.Query("token") // EventSource cannot set headers
	}
	return token
}

func setSSEHeaders(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
}

func sseWrite(w http.ResponseWriter, event string, data any) {
	payload := marshalPayload(data)
	if event != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", event)
	}
	for _, line := range strings.Split(payload, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
}

func sseComment(w http.ResponseWriter, comment string) {
	_, _ = fmt.Fprintf(w, ": %s\n\n", comment)
}

func marshalPayload(data any) string {
	switch payload := data.(type) {
	case string:
		return payload
	case []byte:
		return string(payload)
	default:
		bytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		return string(bytes)
	}
}
