package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"challan-service/internal/detector"
	"challan-service/internal/domain/challan"
	"challan-service/internal/evidence"
	"challan-service/internal/pipeline"
	"challan-service/internal/service"
)

type Handler struct {
	ledger   *service.Ledger
	pipeline *pipeline.Pipeline
	store    evidence.Store
	log      zerolog.Logger
}

func NewHandler(ledger *service.Ledger, p *pipeline.Pipeline, store evidence.Store, log zerolog.Logger) *Handler {
	return &Handler{
		ledger:   ledger,
		pipeline: p,
		store:    store,
		log:      log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	public := r.Group("/api/v1")
	{
		public.POST("/frames", h.ingestFrame)
		public.GET("/challans", h.listChallans)
		public.GET("/challans/:id", h.getChallan)
		public.GET("/evidence/:ref", h.getEvidence)
		public.GET("/stats", h.stats)
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/challans/:id/pay", h.markPaid)
		protected.POST("/challans/:id/dispute", h.markDisputed)
	}
}

type framePayload struct {
	CapturedAt time.Time `json:"captured_at"`
	Image      []byte    `json:"image" binding:"required"`
	CameraID   string    `json:"camera_id"`
	Latitude   *float64  `json:"lat"`
	Longitude  *float64  `json:"lon"`
	PlateHint  string    `json:"plate_hint"`
}

func (h *Handler) ingestFrame(c *gin.Context) {
	var payload framePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	frame := &challan.Frame{
		CapturedAt: payload.CapturedAt,
		Image:      payload.Image,
		CameraID:   payload.CameraID,
		PlateHint:  payload.PlateHint,
	}
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = time.Now()
	}
	if payload.Latitude != nil && payload.Longitude != nil {
		frame.Location = &challan.GPS{Latitude: *payload.Latitude, Longitude: *payload.Longitude}
	}

	result, err := h.pipeline.ProcessFrame(c.Request.Context(), frame)
	if err != nil {
		if errors.Is(err, detector.ErrDetection) {
			c.JSON(http.StatusUnprocessableEntity, errorResponse(err.Error()))
			return
		}
		h.log.Error().Err(err).Msg("failed to process frame")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	status := http.StatusOK
	if len(result.Challans) > 0 {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"violations_found": result.Violations(),
		"challans":         result.Challans,
		"unidentified":     result.Unidentified,
		"deduped":          result.Deduped,
		"failed":           result.Failed,
	})
}

func (h *Handler) listChallans(c *gin.Context) {
	plate := strings.TrimSpace(c.Query("plate"))
	if plate == "" {
		c.JSON(http.StatusBadRequest, errorResponse("plate parameter is required"))
		return
	}

	challans, err := h.ledger.ListChallans(c.Request.Context(), plate)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(challans))
}

func (h *Handler) getChallan(c *gin.Context) {
	out, err := h.ledger.GetChallan(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(out))
}

func (h *Handler) getEvidence(c *gin.Context) {
	data, err := h.store.Get(c.Request.Context(), c.Param("ref"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorResponse("evidence not found"))
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

type paymentPayload struct {
	Reference  string `json:"reference" binding:"required"`
	PayerEmail string `json:"payer_email"`
	Amount     int64  `json:"amount"`
}

func (h *Handler) markPaid(c *gin.Context) {
	var payload paymentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	out, err := h.ledger.MarkPaid(c.Request.Context(), c.Param("id"), service.Payment{
		Reference:  payload.Reference,
		PayerEmail: payload.PayerEmail,
		Amount:     payload.Amount,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(out))
}

type disputePayload struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) markDisputed(c *gin.Context) {
	var payload disputePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	out, err := h.ledger.MarkDisputed(c.Request.Context(), c.Param("id"), payload.Reason)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(out))
}

func (h *Handler) stats(c *gin.Context) {
	out, err := h.ledger.Stats(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(out))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrAmountMismatch),
		errors.Is(err, service.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
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
