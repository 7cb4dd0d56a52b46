package risk

import (
	"errors"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustscore/internal/antifraud"
	"github.com/mbd888/trustscore/internal/features"
	"github.com/mbd888/trustscore/internal/metrics"
	"github.com/mbd888/trustscore/internal/pagination"
	"github.com/mbd888/trustscore/internal/providers"
	"github.com/mbd888/trustscore/internal/session"
	"github.com/mbd888/trustscore/internal/telemetry"
	"github.com/mbd888/trustscore/internal/validation"
)

// Per-request bounds on client-supplied collections.
const (
	maxEventBatch     = 1000
	maxKeystrokeBatch = 2000
	maxBehaviorRates  = 64
)

// LifecycleFunc is notified when a session starts or terminates.
type LifecycleFunc func(event, sessionID string)

// Handler provides HTTP endpoints for sessions and assessments.
type Handler struct {
	sessions  *session.Registry
	ingestor  *telemetry.Ingestor
	orch      *Orchestrator
	analyzer  *antifraud.Analyzer
	lifecycle LifecycleFunc
	now       func() time.Time
}

// NewHandler creates a new session handler.
func NewHandler(sessions *session.Registry, ingestor *telemetry.Ingestor, orch *Orchestrator, analyzer *antifraud.Analyzer) *Handler {
	return &Handler{
		sessions: sessions,
		ingestor: ingestor,
		orch:     orch,
		analyzer: analyzer,
		now:      time.Now,
	}
}

// OnLifecycle registers a session lifecycle callback.
func (h *Handler) OnLifecycle(fn LifecycleFunc) *Handler {
	h.lifecycle = fn
	return h
}

// RegisterRoutes sets up session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions", h.ListSessions)
	r.GET("/ingest/stats", h.IngestStats)

	s := r.Group("/sessions/:id", validation.SessionParamMiddleware())
	s.GET("", h.GetSession)
	s.POST("/events", h.IngestEvents)
	s.PUT("/signals", h.SetSignals)
	s.PUT("/auth", h.SetAuth)
	s.PUT("/device", h.SetDevice)
	s.PUT("/environment", h.SetEnvironment)
	s.PUT("/behavior", h.SetBehavior)
	s.PUT("/biometrics", h.SetBiometrics)
	s.POST("/keystrokes", h.AddKeystrokes)
	s.GET("/summary", h.GetSummary)
	s.GET("/heatmap", h.GetHeatmap)
	s.GET("/ip-report", h.GetIPReport)
	s.POST("/assess", h.AssessNow)
	s.GET("/assessment", h.GetLatestAssessment)
	s.GET("/assessments", h.ListAssessments)
	s.POST("/terminate", h.TerminateSession)
}

// RegisterAdminRoutes sets up blacklist management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/blacklist", h.GetBlacklist)
	r.POST("/blacklist/:list", h.AddToBlacklist)
	r.DELETE("/blacklist/:list/:value", h.RemoveFromBlacklist)
}

// CreateSessionRequest opens a session.
type CreateSessionRequest struct {
	UserID    string                      `json:"userId"`
	IPAddress string                      `json:"ipAddress"`
	Device    *antifraud.DeviceAttributes `json:"device,omitempty"`
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.ValidIP("ipAddress", req.IPAddress),
		validation.MaxLength("userId", req.UserID, 256),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	s := h.sessions.Create(validation.SanitizeString(req.UserID, 256))
	if req.IPAddress != "" {
		s.SetIP(req.IPAddress)
	}
	if req.Device != nil {
		s.SetDevice(*req.Device)
	}
	h.notify("session_started", s.ID())

	c.JSON(http.StatusCreated, gin.H{"session": sessionView(s)})
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	active := h.sessions.Active()
	out := make([]gin.H, 0, len(active))
	for _, s := range active {
		out = append(out, sessionView(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionView(s)})
}

// IngestEvents handles POST /v1/sessions/:id/events. The body is a JSON
// array of events; malformed entries are rejected individually.
func (h *Handler) IngestEvents(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	if s.Aggregator().State() == telemetry.StateTerminated {
		sessionTerminated(c, "Session no longer accepts events")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		invalidBody(c)
		return
	}
	events, bad, err := telemetry.DecodeEvents(body, h.now())
	if err != nil {
		invalidBody(c)
		return
	}
	if len(events)+len(bad) > maxEventBatch {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "batch_too_large",
			"message": "At most " + strconv.Itoa(maxEventBatch) + " events per request",
		})
		return
	}

	accepted, dropped := 0, 0
	for _, e := range events {
		if h.ingestor.Send(s.ID(), e) {
			accepted++
			metrics.EventsIngestedTotal.WithLabelValues(string(e.Kind)).Inc()
		} else {
			dropped++
			metrics.EventsDroppedTotal.Inc()
		}
	}

	rejected := make([]gin.H, 0, len(bad))
	for _, i := range slices.Sorted(maps.Keys(bad)) {
		rejected = append(rejected, gin.H{"index": i, "message": bad[i].Error()})
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted": accepted,
		"dropped":  dropped,
		"rejected": rejected,
	})
}

// SetSignals handles PUT /v1/sessions/:id/signals
func (h *Handler) SetSignals(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	var p features.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		invalidBody(c)
		return
	}
	s.SetPayload(p)
	c.JSON(http.StatusOK, gin.H{"signals": p})
}

// SetAuth handles PUT /v1/sessions/:id/auth
func (h *Handler) SetAuth(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	var rec AuthRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.ValidIP("ip_address", rec.IPAddress),
		validation.NonNegative("consecutive_failures", rec.ConsecutiveFailures),
		validation.MaxLength("username", rec.Username, 256),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	rec.RecordedAt = h.now()
	s.SetAuth(rec)
	c.JSON(http.StatusOK, gin.H{"auth": rec})
}

// SetDevice handles PUT /v1/sessions/:id/device
func (h *Handler) SetDevice(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	var d antifraud.DeviceAttributes
	if err := c.ShouldBindJSON(&d); err != nil {
		invalidBody(c)
		return
	}
	s.SetDevice(d)
	c.JSON(http.StatusOK, gin.H{
		"device":             d,
		"deviceFingerprint":  antifraud.Fingerprint(d),
		"browserFingerprint": antifraud.BrowserFingerprint(d),
	})
}

// SetEnvironment handles PUT /v1/sessions/:id/environment
func (h *Handler) SetEnvironment(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	var info providers.DeviceInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(validation.ValidIP("publicIp", info.PublicIP)); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	s.SetReportedDevice(info)
	c.JSON(http.StatusOK, gin.H{"environment": info})
}

// SetBehavior handles PUT /v1/sessions/:id/behavior
func (h *Handler) SetBehavior(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	var m map[string]float64
	if err := c.ShouldBindJSON(&m); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.MaxItems("behavior", len(m), maxBehaviorRates),
		validation.Rates("behavior", m),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	s.SetBehavior(m)
	c.JSON(http.StatusOK, gin.H{"behavior": m})
}

// SetBiometrics handles PUT /v1/sessions/:id/biometrics
func (h *Handler) SetBiometrics(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	var b providers.BiometricScores
	if err := c.ShouldBindJSON(&b); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.UnitInterval("face_match_score", b.FaceMatch),
		validation.UnitInterval("liveness_score", b.Liveness),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	s.SetBiometric(b)
	c.JSON(http.StatusOK, gin.H{"biometrics": b})
}

type keystrokeRequest struct {
	Events []antifraud.Keystroke `json:"typing_events"`
}

// AddKeystrokes handles POST /v1/sessions/:id/keystrokes
func (h *Handler) AddKeystrokes(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	var req keystrokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(validation.MaxItems("typing_events", len(req.Events), maxKeystrokeBatch)); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	s.AddKeystrokes(req.Events)
	c.JSON(http.StatusOK, gin.H{
		"added":          len(req.Events),
		"typingPatterns": antifraud.TypingCadence(s.Snapshot().Keystrokes),
	})
}

// GetSummary handles GET /v1/sessions/:id/summary
func (h *Handler) GetSummary(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": s.Aggregator().Summary()})
}

// GetHeatmap handles GET /v1/sessions/:id/heatmap?width=&height=
func (h *Handler) GetHeatmap(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	screen := s.Snapshot().Screen
	if w := c.Query("width"); w != "" {
		screen.Width, _ = strconv.Atoi(w)
	}
	if ht := c.Query("height"); ht != "" {
		screen.Height, _ = strconv.Atoi(ht)
	}

	hm, err := s.Aggregator().Heatmap(screen)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_screen",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"heatmap": hm})
}

// GetIPReport handles GET /v1/sessions/:id/ip-report
func (h *Handler) GetIPReport(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	snap := s.Snapshot()
	result, history, err := h.analyzer.IPReport(c.Request.Context(), s.ID(), snap.IP)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ip_history_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ipAddress":  snap.IP,
		"ipAnalysis": result,
		"ipChanges":  history,
		"auth":       snap.Auth,
	})
}

// AssessNow handles POST /v1/sessions/:id/assess
func (h *Handler) AssessNow(c *gin.Context) {
	a, err := h.orch.Tick(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			sessionNotFound(c)
			return
		}
		if errors.Is(err, session.ErrTerminated) {
			sessionTerminated(c, "Terminated sessions are no longer scored")
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "assessment_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessment": a})
}

// GetLatestAssessment handles GET /v1/sessions/:id/assessment
func (h *Handler) GetLatestAssessment(c *gin.Context) {
	a, err := h.orch.Store().Latest(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No assessment recorded for this session",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessment": a})
}

// ListAssessments handles GET /v1/sessions/:id/assessments. Pages are
// newest first; pass nextCursor back as ?cursor= for the next one.
func (h *Handler) ListAssessments(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}
	cursor, err := pagination.Parse(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid pagination cursor",
		})
		return
	}

	list, err := h.orch.Store().ListBySessionPage(c.Request.Context(), c.Param("id"), limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	page := pagination.Slice(list, limit, func(a *Assessment) pagination.Cursor {
		return pagination.Cursor{At: a.EvaluatedAt, ID: a.ID}
	})
	if page.Items == nil {
		page.Items = []*Assessment{}
	}
	c.JSON(http.StatusOK, gin.H{
		"assessments": page.Items,
		"count":       len(page.Items),
		"nextCursor":  page.Next,
		"hasMore":     page.HasMore,
	})
}

// TerminateSession handles POST /v1/sessions/:id/terminate. The session
// stays readable until the lifecycle callback has exported and released it.
func (h *Handler) TerminateSession(c *gin.Context) {
	s, err := h.sessions.Terminate(c.Param("id"))
	if err != nil {
		sessionNotFound(c)
		return
	}
	h.notify("session_terminated", s.ID())
	c.JSON(http.StatusOK, gin.H{"session": sessionView(s)})
}

// GetBlacklist handles GET /v1/admin/blacklist
func (h *Handler) GetBlacklist(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"blacklists": h.analyzer.Blacklist().Snapshot()})
}

type blacklistRequest struct {
	Values []string `json:"values"`
}

// AddToBlacklist handles POST /v1/admin/blacklist/:list
func (h *Handler) AddToBlacklist(c *gin.Context) {
	kind, err := antifraud.ParseListKind(c.Param("list"))
	if err != nil {
		unknownList(c, err)
		return
	}
	var req blacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Values) == 0 {
		invalidBody(c)
		return
	}
	if err := h.analyzer.Blacklist().Add(kind, req.Values...); err != nil {
		unknownList(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"list": kind, "added": len(req.Values)})
}

// RemoveFromBlacklist handles DELETE /v1/admin/blacklist/:list/:value
func (h *Handler) RemoveFromBlacklist(c *gin.Context) {
	kind, err := antifraud.ParseListKind(c.Param("list"))
	if err != nil {
		unknownList(c, err)
		return
	}
	removed, err := h.analyzer.Blacklist().Remove(kind, c.Param("value"))
	if err != nil {
		unknownList(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Value is not on the list",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"list": kind, "removed": c.Param("value")})
}

// IngestStats handles GET /v1/ingest/stats
func (h *Handler) IngestStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ingest": h.ingestor.Stats()})
}

func (h *Handler) lookup(c *gin.Context) (*session.Session, bool) {
	s, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		sessionNotFound(c)
		return nil, false
	}
	return s, true
}

func (h *Handler) notify(event, sessionID string) {
	if h.lifecycle != nil {
		h.lifecycle(event, sessionID)
	}
}

func sessionView(s *session.Session) gin.H {
	snap := s.Snapshot()
	return gin.H{
		"id":        snap.ID,
		"userId":    snap.UserID,
		"createdAt": snap.CreatedAt,
		"state":     snap.State.String(),
		"ipAddress": snap.IP,
		"events":    s.Aggregator().Len(),
		"screen":    snap.Screen,
	}
}

func sessionNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": "Session not found",
	})
}

func sessionTerminated(c *gin.Context, msg string) {
	c.JSON(http.StatusConflict, gin.H{
		"error":   "session_terminated",
		"message": msg,
	})
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func unknownList(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "unknown_list",
		"message": err.Error(),
	})
}
