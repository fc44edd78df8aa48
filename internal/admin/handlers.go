package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/pagination"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profilesync"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/validation"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new admin handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up admin routes. r must already be guarded by
// RequireAdmin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/profiles", h.listProfiles)

	p := r.Group("/admin/profiles/:id", validation.CustomerIDParamMiddleware())
	p.GET("", h.getProfile)
	p.POST("/validate", h.validate)
	p.POST("/sync", h.sync)
	p.POST("/status", h.setStatus)
	p.POST("/compliance-override", h.overrideCompliance)
	p.POST("/risk-flags", h.riskFlags)
	p.POST("/alerts/:index/ack", h.acknowledgeAlert)
	p.POST("/conflicts/:index/resolve", h.resolveConflict)
}

func (h *Handler) listProfiles(c *gin.Context) {
	q := ListQuery{
		SyncStatus:  profile.SyncStatus(c.Query("syncStatus")),
		AdminStatus: profile.AdminStatus(c.Query("adminStatus")),
		Cursor:      c.Query("cursor"),
		Limit:       pagination.ParseLimit(c.Query("limit")),
	}
	if v := c.Query("requiresAttention"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "requiresAttention must be true or false"})
			return
		}
		q.RequiresAttention = &b
	}

	page, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) getProfile(c *gin.Context) {
	rec, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) validate(c *gin.Context) {
	actor, _ := ActorFrom(c)
	res, err := h.svc.Revalidate(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type syncRequest struct {
	Priority profile.Priority `json:"priority"`
	Reason   string           `json:"reason"`
	// Restart starts a fresh cycle for a record whose sync failed.
	Restart bool `json:"restart"`
}

func (h *Handler) sync(c *gin.Context) {
	var req syncRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.Priority != "" && !req.Priority.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown priority"})
		return
	}
	actor, _ := ActorFrom(c)
	id := c.Param("id")

	var res *profilesync.Result
	var err error
	if req.Restart {
		res, err = h.svc.RestartSync(c.Request.Context(), id, actor)
	} else {
		reason := validation.SanitizeString(req.Reason, validation.MaxReasonLength)
		res, err = h.svc.TriggerSync(c.Request.Context(), id, req.Priority, reason, actor)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.Success {
		c.JSON(http.StatusBadGateway, res)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

type statusRequest struct {
	Status profile.AdminStatus `json:"status"`
	Reason string              `json:"reason"`
}

func (h *Handler) setStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.Required("status", string(req.Status)),
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	actor, _ := ActorFrom(c)
	rec, err := h.svc.SetStatus(c.Request.Context(), c.Param("id"), req.Status, validation.SanitizeString(req.Reason, validation.MaxReasonLength), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) overrideCompliance(c *gin.Context) {
	var req ComplianceOverride
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.Required("complianceRating", string(req.Rating)),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	actor, _ := ActorFrom(c)
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxReasonLength)
	rec, err := h.svc.OverrideCompliance(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type riskFlagRequest struct {
	Flag   string `json:"flag"`
	Action string `json:"action"`
}

func (h *Handler) riskFlags(c *gin.Context) {
	var req riskFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.Required("flag", req.Flag),
		validation.MaxLength("flag", req.Flag, 64),
		validation.OneOf("action", req.Action, "add", "remove"),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	actor, _ := ActorFrom(c)
	op := h.svc.AddRiskFlag
	if req.Action == "remove" {
		op = h.svc.RemoveRiskFlag
	}
	rec, err := op(c.Request.Context(), c.Param("id"), req.Flag, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) acknowledgeAlert(c *gin.Context) {
	h.indexed(c, h.svc.AcknowledgeAlert)
}

func (h *Handler) resolveConflict(c *gin.Context) {
	h.indexed(c, h.svc.ResolveConflict)
}

func (h *Handler) indexed(c *gin.Context, op func(ctx context.Context, customerID string, index int, actor profile.Actor) (*profile.Record, error)) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "index must be an integer"})
		return
	}
	actor, _ := ActorFrom(c)
	rec, err := op(c.Request.Context(), c.Param("id"), index, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// bindOptional binds a JSON body when one is present.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return false
	}
	return true
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, profile.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, profile.ErrInvalidTransition), errors.Is(err, ErrNotFailed):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, profile.ErrArchived):
		status, code = http.StatusConflict, "archived"
	case errors.Is(err, profile.ErrConcurrentUpdate):
		status, code = http.StatusConflict, "concurrent_update"
	case errors.Is(err, profile.ErrReasonRequired):
		status, code = http.StatusBadRequest, "reason_required"
	case errors.Is(err, profile.ErrIndexOutOfRange):
		status, code = http.StatusNotFound, "index_out_of_range"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, profile.ErrInvalidRecord), errors.Is(err, profilesync.ErrInvalidPayload):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "timeout"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
