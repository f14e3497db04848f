package http

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quillhr/approvalflow/internal/application/service"
	"github.com/quillhr/approvalflow/internal/domain/entity"
	"github.com/quillhr/approvalflow/internal/domain/workflow"
	"github.com/quillhr/approvalflow/internal/export"
)

// actorHeader carries the authenticated employee id resolved by the gateway
// in front of this service
const actorHeader = "X-Employee-ID"

// Handlers contains all HTTP request handlers
type Handlers struct {
	engine   service.WorkflowEngine
	exporter *export.QueueExporter
	logger   Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(engine service.WorkflowEngine, exporter *export.QueueExporter, logger Logger) *Handlers {
	return &Handlers{
		engine:   engine,
		exporter: exporter,
		logger:   logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// StageResponse represents one stage record in API responses
type StageResponse struct {
	Stage   string  `json:"stage"`
	Status  string  `json:"status"`
	ActedBy *int64  `json:"acted_by,omitempty"`
	ActedAt *string `json:"acted_at,omitempty"`
	Comment string  `json:"comment,omitempty"`
}

// RequestResponse represents an approval request in API responses
type RequestResponse struct {
	ID                int64           `json:"id"`
	Domain            string          `json:"domain"`
	SubjectEmployeeID int64           `json:"subject_employee_id"`
	DepartmentID      int64           `json:"department_id"`
	Payload           interface{}     `json:"payload"`
	Status            string          `json:"status"`
	CurrentStage      string          `json:"current_stage"`
	Stages            []StageResponse `json:"stages"`
	RejectedBy        *int64          `json:"rejected_by,omitempty"`
	RejectionReason   string          `json:"rejection_reason,omitempty"`
	CancelledAt       *string         `json:"cancelled_at,omitempty"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
}

// HistoryResponse represents one audit trail entry in API responses
type HistoryResponse struct {
	ID        int64  `json:"id"`
	ActorID   int64  `json:"actor_id"`
	Action    string `json:"action"`
	Stage     string `json:"stage,omitempty"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

type actionRequest struct {
	Comment string `json:"comment"`
}

type rejectRequest struct {
	Stage  string `json:"stage" binding:"required"`
	Reason string `json:"reason"`
}

type bulkRequest struct {
	IDs     []int64 `json:"ids" binding:"required"`
	Stage   string  `json:"stage" binding:"required"`
	Action  string  `json:"action" binding:"required"`
	Comment string  `json:"comment"`
}

type listQuery struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: HealthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   "1.0.0",
		},
	})
}

// Submit handles POST /api/:domain/apply. The request body is the
// domain-specific payload; the adapter validates it before anything is
// stored.
func (h *Handlers) Submit(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil || len(payload) == 0 {
		h.badRequest(c, "request body is required")
		return
	}

	req, err := h.engine.Submit(c.Request.Context(), c.Param("domain"), actor, payload)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, Response{
		Success: true,
		Message: "request submitted",
		Data:    toRequestResponse(req),
	})
}

// Approve builds the handler for PUT /api/:domain/:id/{stage}-approve
func (h *Handlers) Approve(stage workflow.Stage) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := h.actor(c)
		if !ok {
			return
		}
		id, ok := h.requestID(c)
		if !ok {
			return
		}

		var body actionRequest
		// Body is optional for approvals
		_ = c.ShouldBindJSON(&body)

		req, err := h.engine.ApproveStage(c.Request.Context(), c.Param("domain"), id, stage, actor, body.Comment)
		if err != nil {
			h.writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, Response{
			Success: true,
			Message: fmt.Sprintf("%s stage approved", stage),
			Data:    toRequestResponse(req),
		})
	}
}

// Reject handles PUT /api/:domain/:id/reject
func (h *Handlers) Reject(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := h.requestID(c)
	if !ok {
		return
	}

	var body rejectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, "stage is required")
		return
	}
	stage, err := workflow.ParseStage(body.Stage)
	if err != nil {
		h.writeError(c, err)
		return
	}

	req, err := h.engine.RejectStage(c.Request.Context(), c.Param("domain"), id, stage, actor, body.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "request rejected",
		Data:    toRequestResponse(req),
	})
}

// BulkTransition handles PATCH /api/:domain/bulk/update
func (h *Handlers) BulkTransition(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var body bulkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, "ids, stage and action are required")
		return
	}
	stage, err := workflow.ParseStage(body.Stage)
	if err != nil {
		h.writeError(c, err)
		return
	}
	action, err := workflow.ParseAction(body.Action)
	if err != nil {
		h.writeError(c, err)
		return
	}

	count, err := h.engine.BulkTransition(c.Request.Context(), service.BulkInput{
		Domain:     c.Param("domain"),
		IDs:        body.IDs,
		Stage:      stage,
		Action:     action,
		ApproverID: actor,
		Comment:    body.Comment,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("%d requests updated", count),
		Data:    gin.H{"updated": count},
	})
}

// Edit handles PATCH /api/:domain/:id. The body is the payload patch; a
// successful edit resets the approval chain.
func (h *Handlers) Edit(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := h.requestID(c)
	if !ok {
		return
	}

	patch, err := io.ReadAll(c.Request.Body)
	if err != nil || len(patch) == 0 {
		h.badRequest(c, "request body is required")
		return
	}

	req, err := h.engine.EditBeforeApproval(c.Request.Context(), c.Param("domain"), id, actor, patch)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "request updated, approvals reset",
		Data:    toRequestResponse(req),
	})
}

// Cancel handles PUT /api/:domain/:id/cancel
func (h *Handlers) Cancel(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := h.requestID(c)
	if !ok {
		return
	}

	req, err := h.engine.Cancel(c.Request.Context(), c.Param("domain"), id, actor)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "request cancelled",
		Data:    toRequestResponse(req),
	})
}

// ListPending handles GET /api/:domain/pending/:stage
func (h *Handlers) ListPending(c *gin.Context) {
	stage, reqs, ok := h.pendingQueue(c)
	if !ok {
		return
	}

	out := make([]RequestResponse, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, toRequestResponse(r))
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("%d pending at %s", len(out), stage),
		Data:    out,
	})
}

// ExportPending handles GET /api/:domain/pending/:stage/export
func (h *Handlers) ExportPending(c *gin.Context) {
	stage, reqs, ok := h.pendingQueue(c)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := h.exporter.WritePending(&buf, stage, reqs); err != nil {
		h.writeError(c, err)
		return
	}

	filename := fmt.Sprintf("pending-%s-%s.xlsx", c.Param("domain"), stage)
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// Get handles GET /api/:domain/:id
func (h *Handlers) Get(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := h.requestID(c)
	if !ok {
		return
	}

	req, err := h.engine.Get(c.Request.Context(), c.Param("domain"), id, actor)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    toRequestResponse(req),
	})
}

// ListMine handles GET /api/:domain/mine
func (h *Handlers) ListMine(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, "invalid query parameters")
		return
	}

	reqs, err := h.engine.ListForSubject(c.Request.Context(), c.Param("domain"), actor, q.Limit, q.Offset)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := make([]RequestResponse, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, toRequestResponse(r))
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    out,
	})
}

// Delete handles DELETE /api/:domain/:id
func (h *Handlers) Delete(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := h.requestID(c)
	if !ok {
		return
	}

	if err := h.engine.Delete(c.Request.Context(), c.Param("domain"), id, actor); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "request deleted",
	})
}

// History handles GET /api/:domain/:id/history
func (h *Handlers) History(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := h.requestID(c)
	if !ok {
		return
	}

	entries, err := h.engine.History(c.Request.Context(), c.Param("domain"), id, actor)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := make([]HistoryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryResponse{
			ID:        e.ID,
			ActorID:   e.ActorID,
			Action:    string(e.Action),
			Stage:     string(e.Stage),
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    out,
	})
}

// pendingQueue resolves the shared actor/stage/query plumbing of the two
// pending endpoints
func (h *Handlers) pendingQueue(c *gin.Context) (workflow.Stage, []*entity.ApprovalRequest, bool) {
	actor, ok := h.actor(c)
	if !ok {
		return "", nil, false
	}

	stage, err := workflow.ParseStage(c.Param("stage"))
	if err != nil {
		h.writeError(c, err)
		return "", nil, false
	}

	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, "invalid query parameters")
		return "", nil, false
	}

	reqs, err := h.engine.PendingForApprover(c.Request.Context(), c.Param("domain"), stage, actor, q.Limit, q.Offset)
	if err != nil {
		h.writeError(c, err)
		return "", nil, false
	}
	return stage, reqs, true
}

// actor extracts the acting employee id from the gateway header
func (h *Handlers) actor(c *gin.Context) (int64, bool) {
	raw := c.GetHeader(actorHeader)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, Response{
			Success: false,
			Error:   actorHeader + " header is required",
		})
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusUnauthorized, Response{
			Success: false,
			Error:   "invalid " + actorHeader + " header",
		})
		return 0, false
	}
	return id, true
}

func (h *Handlers) requestID(c *gin.Context) (int64, bool) {
	raw := c.Param("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.badRequest(c, "invalid request ID")
		return 0, false
	}
	return id, true
}

func (h *Handlers) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Success: false, Error: msg})
}

// writeError maps engine errors to HTTP statuses: workflow rule violations
// are 400, authorization failures 403, missing or hidden requests 404,
// store breakage 503, anything else 500.
func (h *Handlers) writeError(c *gin.Context, err error) {
	var unauth *workflow.UnauthorizedError
	var partial *workflow.PartialEligibilityError

	switch {
	case errors.As(err, &partial):
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: partial.Error()})
	case errors.As(err, &unauth):
		c.JSON(http.StatusForbidden, Response{Success: false, Error: unauth.Error()})
	case errors.Is(err, workflow.ErrNotFound):
		c.JSON(http.StatusNotFound, Response{Success: false, Error: "request not found"})
	case errors.Is(err, workflow.ErrValidation),
		errors.Is(err, workflow.ErrStageMismatch),
		errors.Is(err, workflow.ErrAlreadyActed),
		errors.Is(err, workflow.ErrEditWindowClosed),
		errors.Is(err, workflow.ErrCancelNotAllowed):
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: err.Error()})
	case errors.Is(err, workflow.ErrStoreUnavailable):
		h.logger.Error("Store unavailable", "error", err)
		c.JSON(http.StatusServiceUnavailable, Response{Success: false, Error: "store unavailable"})
	default:
		h.logger.Error("Unhandled error", "error", err)
		c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "internal error"})
	}
}

// toRequestResponse converts the domain entity to the API shape. Stage
// records are emitted in chain order.
func toRequestResponse(req *entity.ApprovalRequest) RequestResponse {
	resp := RequestResponse{
		ID:                req.ID,
		Domain:            req.Domain,
		SubjectEmployeeID: req.SubjectEmployeeID,
		DepartmentID:      req.DepartmentID,
		Payload:           req.Payload,
		Status:            string(req.Status),
		CurrentStage:      string(req.CurrentStage),
		RejectedBy:        req.RejectedBy,
		RejectionReason:   req.RejectionReason,
		CreatedAt:         req.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         req.UpdatedAt.Format(time.RFC3339),
	}

	if req.CancelledAt != nil {
		cancelledAt := req.CancelledAt.Format(time.RFC3339)
		resp.CancelledAt = &cancelledAt
	}

	for _, stage := range workflow.ApprovalStages {
		rec := req.StageRecordFor(stage)
		if rec == nil {
			continue
		}
		sr := StageResponse{
			Stage:   string(rec.Stage),
			Status:  string(rec.Status),
			ActedBy: rec.ActedBy,
			Comment: rec.Comment,
		}
		if rec.ActedAt != nil {
			actedAt := rec.ActedAt.Format(time.RFC3339)
			sr.ActedAt = &actedAt
		}
		resp.Stages = append(resp.Stages, sr)
	}

	return resp
}
