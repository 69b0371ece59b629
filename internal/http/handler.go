package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"gate-controller/internal/board"
	"gate-controller/internal/config"
	"gate-controller/internal/domain/anpr"
	"gate-controller/internal/service"
)

type StatusBoard interface {
	Status() board.Status
	Notices(limit int) []anpr.Notice
	LatestFrame() ([]byte, time.Time, bool)
	LatestCapture() ([]byte, time.Time, bool)
}

type ModeSetter interface {
	SetMode(mode anpr.Mode, reg *anpr.MonthlyRegistration) error
}

type JournalReader interface {
	FindPlates(ctx context.Context, plateQuery string) ([]service.PlateInfo, error)
	FindEvents(ctx context.Context, q service.EventQuery) ([]service.EventInfo, error)
}

type Handler struct {
	gate    ModeSetter
	board   StatusBoard
	journal JournalReader
	metrics prometheus.Gatherer
	config  *config.Config
	log     zerolog.Logger
}

// NewHandler wires the HTTP surface. journal may be nil when the database is disabled.
func NewHandler(
	gate ModeSetter,
	statusBoard StatusBoard,
	journal JournalReader,
	gatherer prometheus.Gatherer,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		gate:    gate,
		board:   statusBoard,
		journal: journal,
		metrics: gatherer,
		config:  cfg,
		log:     log.With().Str("component", "http").Logger(),
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.metrics, promhttp.HandlerOpts{})))
	}

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.GET("/status", h.status)
		public.GET("/notices", h.listNotices)
		public.GET("/camera/frame", h.cameraFrame)
		public.GET("/camera/capture", h.cameraCapture)
		public.GET("/plates", h.listPlates)
		public.GET("/events", h.listEvents)
	}

	// Protected endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.PUT("/mode", h.setMode)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) status(c *gin.Context) {
	st := h.board.Status()
	c.JSON(http.StatusOK, successResponse(gin.H{
		"mode":         st.Mode,
		"card_reader":  st.CardReader,
		"camera":       st.Camera,
		"camera_model": h.config.Camera.Model,
		"streaming":    st.Streaming,
		"frame_at":     st.FrameAt,
		"capture_at":   st.CaptureAt,
		"last_notice":  st.Last,
	}))
}

func (h *Handler) listNotices(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	c.JSON(http.StatusOK, successResponse(h.board.Notices(limit)))
}

func (h *Handler) cameraFrame(c *gin.Context) {
	data, at, ok := h.board.LatestFrame()
	h.writeImage(c, data, at, ok, "no camera frame yet")
}

func (h *Handler) cameraCapture(c *gin.Context) {
	data, at, ok := h.board.LatestCapture()
	h.writeImage(c, data, at, ok, "no capture yet")
}

func (h *Handler) writeImage(c *gin.Context, data []byte, at time.Time, ok bool, missing string) {
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse(missing))
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("Last-Modified", at.UTC().Format(http.TimeFormat))
	c.Data(http.StatusOK, "image/jpeg", data)
}

type setModeRequest struct {
	Mode         anpr.Mode                 `json:"mode" binding:"required"`
	Registration *anpr.MonthlyRegistration `json:"registration"`
}

func (h *Handler) setMode(c *gin.Context) {
	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if err := h.gate.SetMode(req.Mode, req.Registration); err != nil {
		h.handleError(c, err)
		return
	}

	h.log.Info().Str("mode", string(req.Mode)).Str("subject", c.GetString(subjectKey)).Msg("mode change requested")
	c.JSON(http.StatusAccepted, successResponse(gin.H{"mode": req.Mode}))
}

func (h *Handler) listPlates(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("journal disabled"))
		return
	}
	plateQuery := strings.TrimSpace(c.Query("plate"))
	if plateQuery == "" {
		c.JSON(http.StatusBadRequest, errorResponse("plate parameter is required"))
		return
	}

	plates, err := h.journal.FindPlates(c.Request.Context(), plateQuery)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(plates))
}

func (h *Handler) listEvents(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("journal disabled"))
		return
	}

	q := service.EventQuery{Limit: 50}
	if plate := strings.TrimSpace(c.Query("plate")); plate != "" {
		q.Plate = &plate
	}
	if uid := strings.TrimSpace(c.Query("card_uid")); uid != "" {
		q.CardUID = &uid
	}
	if s := c.Query("success"); s != "" {
		ok, err := strconv.ParseBool(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("success must be true or false"))
			return
		}
		q.Success = &ok
	}
	if f := strings.TrimSpace(c.Query("from")); f != "" {
		q.From = &f
	}
	if t := strings.TrimSpace(c.Query("to")); t != "" {
		q.To = &t
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			q.Offset = parsed
		}
	}

	events, err := h.journal.FindEvents(c.Request.Context(), q)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(events))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrRegistrationRequired):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
