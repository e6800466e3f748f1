package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/convo-crm/backend/internal/tenants"
	"github.com/convo-crm/backend/pkg/response"
)

const maxPollBatch = 100

type pollSession struct {
	sub      *Subscriber
	lastSeen time.Time
	waiting  int
}

// PollTransport is the long-polling fallback for clients that cannot hold a websocket.
type PollTransport struct {
	relay   *Relay
	timeout time.Duration
	idle    time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*pollSession
	now      func() time.Time
}

// NewPollTransport creates the polling transport. timeout bounds one GET; sessions idle longer
// than idle are disconnected by Run.
func NewPollTransport(relay *Relay, timeout, idle time.Duration, logger *zap.Logger) *PollTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollTransport{
		relay:    relay,
		timeout:  timeout,
		idle:     idle,
		logger:   logger,
		sessions: make(map[string]*pollSession),
		now:      time.Now,
	}
}

// Register mounts the polling routes on g.
func (p *PollTransport) Register(g gin.IRoutes) {
	g.POST("/realtime/poll", p.Open)
	g.POST("/realtime/poll/:sid", p.Push)
	g.GET("/realtime/poll/:sid", p.Pull)
	g.DELETE("/realtime/poll/:sid", p.Close)
}

// Open handles POST /realtime/poll. Creates a session for the resolved tenant.
func (p *PollTransport) Open(c *gin.Context) {
	tenantID := tenants.IDFromContext(c)
	if tenantID == uuid.Nil {
		response.Unauthorized(c, "tenant not resolved")
		return
	}
	sub := p.relay.Connect(tenantID)
	p.mu.Lock()
	p.sessions[sub.ID] = &pollSession{sub: sub, lastSeen: p.now()}
	p.mu.Unlock()
	response.Created(c, gin.H{"sid": sub.ID})
}

// Push handles POST /realtime/poll/:sid. Accepts one frame or an array of frames.
func (p *PollTransport) Push(c *gin.Context) {
	sess, ok := p.acquire(c)
	if !ok {
		return
	}
	defer p.release(sess)

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 65536))
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}
	var frames []Envelope
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		err = json.Unmarshal(raw, &frames)
	} else {
		var env Envelope
		err = json.Unmarshal(raw, &env)
		frames = []Envelope{env}
	}
	if err != nil {
		response.BadRequest(c, "invalid frame")
		return
	}
	accepted := 0
	for _, f := range frames {
		if err := p.relay.HandleInbound(c.Request.Context(), sess.sub, f); err != nil {
			p.logger.Info("ignored inbound frame",
				zap.String("subscriber_id", sess.sub.ID), zap.String("event", f.Event), zap.Error(err))
			continue
		}
		accepted++
	}
	response.OK(c, gin.H{"accepted": accepted})
}

// Pull handles GET /realtime/poll/:sid. Waits for at least one envelope, up to the poll
// timeout, and returns everything buffered as a JSON array.
func (p *PollTransport) Pull(c *gin.Context) {
	sess, ok := p.acquire(c)
	if !ok {
		return
	}
	defer p.release(sess)

	out := make([]Envelope, 0)
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case env := <-sess.sub.Send():
		out = append(out, env)
	case <-sess.sub.Done():
		response.NotFound(c, "session closed")
		return
	case <-timer.C:
	case <-c.Request.Context().Done():
		return
	}
drain:
	for len(out) > 0 && len(out) < maxPollBatch {
		select {
		case env := <-sess.sub.Send():
			out = append(out, env)
		default:
			break drain
		}
	}
	c.JSON(http.StatusOK, out)
}

// Close handles DELETE /realtime/poll/:sid.
func (p *PollTransport) Close(c *gin.Context) {
	sess, ok := p.lookup(c)
	if !ok {
		return
	}
	p.drop(sess.sub.ID)
	response.NoContent(c)
}

// Run reaps idle sessions until ctx is cancelled.
func (p *PollTransport) Run(ctx context.Context) {
	interval := p.idle / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Reap(); n > 0 {
				p.logger.Debug("reaped idle poll sessions", zap.Int("count", n))
			}
		}
	}
}

// Reap disconnects sessions with no request in flight that have been idle too long.
func (p *PollTransport) Reap() int {
	cutoff := p.now().Add(-p.idle)
	var stale []*Subscriber
	p.mu.Lock()
	for id, s := range p.sessions {
		if s.waiting == 0 && s.lastSeen.Before(cutoff) {
			stale = append(stale, s.sub)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()
	for _, sub := range stale {
		p.relay.Remove(sub)
	}
	return len(stale)
}

// Sessions returns the number of open poll sessions.
func (p *PollTransport) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// lookup finds the session and checks it belongs to the resolved tenant.
func (p *PollTransport) lookup(c *gin.Context) (*pollSession, bool) {
	p.mu.Lock()
	sess, ok := p.sessions[c.Param("sid")]
	p.mu.Unlock()
	if !ok || sess.sub.TenantID != tenants.IDFromContext(c) {
		response.NotFound(c, "unknown session")
		return nil, false
	}
	return sess, true
}

func (p *PollTransport) acquire(c *gin.Context) (*pollSession, bool) {
	sess, ok := p.lookup(c)
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	sess.waiting++
	sess.lastSeen = p.now()
	p.mu.Unlock()
	return sess, true
}

func (p *PollTransport) release(sess *pollSession) {
	p.mu.Lock()
	sess.waiting--
	sess.lastSeen = p.now()
	p.mu.Unlock()
}

func (p *PollTransport) drop(id string) {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()
	if ok {
		p.relay.Remove(sess.sub)
	}
}
