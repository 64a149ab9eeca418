package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/arjunv/jobdispatch/internal/common"
	"github.com/arjunv/jobdispatch/internal/dispatch"
	"github.com/arjunv/jobdispatch/internal/store"
)

type submitJobReq struct {
	Kind        store.Kind    `json:"kind"`
	Payload     store.JSONMap `json:"payload"`
	Priority    int           `json:"priority"`
	MaxAttempts int           `json:"max_attempts"`
}

var validKinds = map[store.Kind]bool{
	store.KindEmail:            true,
	store.KindDataProcessing:   true,
	store.KindReportGeneration: true,
	store.KindImageProcessing:  true,
	store.KindWebhook:          true,
}

// SubmitJob is the HTTP-facing entry point onto Dispatcher.Submit:
// 201 on success, 400 on validation failure.
func (h *Handler) SubmitJob(c *gin.Context) {
	var req submitJobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if !validKinds[req.Kind] {
		common.Fail(c, http.StatusBadRequest, 10010, "unknown job kind")
		return
	}
	if req.Priority < 1 || req.Priority > 10 {
		common.Fail(c, http.StatusBadRequest, 10011, "priority must be between 1 and 10")
		return
	}

	job, err := h.Dispatcher.Submit(c.Request.Context(), dispatch.JobCreate{
		Kind:        req.Kind,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50010, "failed to submit job")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"code": 0, "data": job})
}

// GetJob returns the job with the given id, or 404 if it doesn't exist.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.Dispatcher.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50011, "failed to load job")
		return
	}
	common.OK(c, job)
}

// ListJobs lists jobs, optionally filtered by status and/or kind, with
// skip/limit pagination (limit defaults to and caps at 100).
func (h *Handler) ListJobs(c *gin.Context) {
	var f store.Filter
	if s := c.Query("status"); s != "" {
		status := store.Status(s)
		f.Status = &status
	}
	if k := c.Query("kind"); k != "" {
		kind := store.Kind(k)
		f.Kind = &kind
	}
	f.Skip = queryInt(c, "skip", 0)
	f.Limit = queryInt(c, "limit", 100)

	jobs, err := h.Dispatcher.List(c.Request.Context(), f)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50012, "failed to list jobs")
		return
	}
	common.OK(c, jobs)
}

// RetryJob re-queues a Failed job that hasn't exhausted its retries, or
// returns 400 if it's not failed or has no retries left.
func (h *Handler) RetryJob(c *gin.Context) {
	job, err := h.Dispatcher.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrNotFound):
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
		case errors.Is(err, dispatch.ErrNotRetriable):
			common.Fail(c, http.StatusBadRequest, 10012, "not failed or max retries exceeded")
		default:
			common.Fail(c, http.StatusInternalServerError, 50013, "failed to retry job")
		}
		return
	}
	common.OK(c, job)
}

// JobStats returns total/per-status job counts, the broker's queue
// depth, and the derived success rate.
func (h *Handler) JobStats(c *gin.Context) {
	stats, err := h.Dispatcher.Stats(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50014, "failed to compute stats")
		return
	}
	common.OK(c, stats)
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
