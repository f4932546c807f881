package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"renderhub/apperr"
	"renderhub/config"
	"renderhub/replay"
	"renderhub/task"
	"renderhub/webhookauth"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
)

type Handler struct {
	queue    *task.Manager
	pipeline Pipeline
	verifier CallbackVerifier
	guard    replay.Guard
	files    FileResolver
	cfg      *config.Config
	log      logr.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		queue:    d.Queue,
		pipeline: d.Pipeline,
		verifier: d.Verifier,
		guard:    d.Guard,
		files:    d.Files,
		cfg:      d.Config,
		log:      d.Log.WithName("api"),
	}
}

type RenderRequest struct {
	VideoID string `json:"videoId" binding:"required"`
}

func errorMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"success": false, "error": errorMessage(err)})
}

// handleCreateRender queues a render of a video's completed clips.
func (h *Handler) handleCreateRender(c *gin.Context) {
	var req RenderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	jobID, err := h.pipeline.StartRender(c.Request.Context(), req.VideoID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "jobId": jobID})
}

func (h *Handler) handleListRenders(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.ListJobs())
}

func (h *Handler) handleGetRender(c *gin.Context) {
	job, found := h.queue.GetJob(c.Param("jobId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleCancelRender cancels a queued or running render.
func (h *Handler) handleCancelRender(c *gin.Context) {
	jobID := c.Param("jobId")
	job, found := h.queue.GetJob(jobID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Job not found"})
		return
	}
	if !h.queue.CancelJob(jobID) {
		if current, ok := h.queue.GetJob(jobID); ok {
			job = current
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": fmt.Sprintf("Job is already %s", job.Status)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleDispatchGeneration submits a persisted generation job.
func (h *Handler) handleDispatchGeneration(c *gin.Context) {
	res, err := h.pipeline.DispatchGeneration(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success":   true,
		"provider":  res.Provider,
		"model":     res.Model,
		"requestId": res.RequestID,
	})
}

// handleGetFile serves a locally published output file.
func (h *Handler) handleGetFile(c *gin.Context) {
	if h.files == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "file not found"})
		return
	}
	filePath, err := h.files.Path(c.Param("filename"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.File(filePath)
}

// handleFalWebhook always answers 200. Rejected, duplicate and failed
// callbacks are only logged.
func (h *Handler) handleFalWebhook(c *gin.Context) {
	ack := func() { c.JSON(http.StatusOK, gin.H{"success": true}) }
	ctx := c.Request.Context()
	requestID := c.GetHeader(webhookauth.HeaderRequestID)

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxWebhookBody))
	if err != nil {
		h.log.Info("Dropping unreadable callback", "request_id", requestID, "error", err.Error())
		ack()
		return
	}

	if !h.verifier.VerifyRequest(ctx, c.Request, body) {
		h.log.Info("Dropping unverified callback", "request_id", requestID)
		ack()
		return
	}

	var cb webhookauth.FalCallback
	if err := json.Unmarshal(body, &cb); err != nil || cb.RequestID == "" {
		h.log.Info("Dropping malformed callback", "request_id", requestID)
		ack()
		return
	}

	if h.guard != nil {
		first, err := h.guard.FirstSeen(ctx, cb.RequestID)
		if err != nil {
			h.log.Error(err, "Replay guard unavailable, processing callback anyway", "request_id", cb.RequestID)
		} else if !first {
			h.log.Info("Ignoring duplicate callback", "request_id", cb.RequestID)
			ack()
			return
		}
	}

	if err := h.pipeline.HandleFalCallback(ctx, cb); err != nil {
		h.log.Error(err, "Failed to handle callback", "request_id", cb.RequestID, "status", cb.Status)
	}
	ack()
}
