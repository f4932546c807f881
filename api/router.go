package api

import (
	"context"
	"net/http"

	"renderhub/config"
	"renderhub/provider"
	"renderhub/replay"
	"renderhub/task"
	"renderhub/webhookauth"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
)

// Pipeline is the part of the job lifecycle the HTTP surface drives.
type Pipeline interface {
	StartRender(ctx context.Context, videoID string) (string, error)
	DispatchGeneration(ctx context.Context, jobID string) (*provider.Result, error)
	HandleFalCallback(ctx context.Context, cb webhookauth.FalCallback) error
}

// CallbackVerifier authenticates an inbound provider callback.
type CallbackVerifier interface {
	VerifyRequest(ctx context.Context, r *http.Request, body []byte) bool
}

// FileResolver maps a served file name to a local path.
type FileResolver interface {
	Path(filename string) (string, error)
}

type Deps struct {
	Queue    *task.Manager
	Pipeline Pipeline
	Verifier CallbackVerifier
	Guard    replay.Guard
	// Files is nil when published files are not served locally.
	Files  FileResolver
	Config *config.Config
	Log    logr.Logger
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.Default()
	h := NewHandler(d)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider callbacks authenticate by signature, not by API key.
	r.POST("/webhooks/fal", h.handleFalWebhook)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(d.Config, d.Log))
	{
		v1.POST("/renders", h.handleCreateRender)
		v1.GET("/renders", h.handleListRenders)
		v1.GET("/renders/:jobId", h.handleGetRender)
		v1.DELETE("/renders/:jobId", h.handleCancelRender)

		v1.POST("/generations/:jobId/dispatch", h.handleDispatchGeneration)

		v1.GET("/files/:filename", h.handleGetFile)
	}
	return r
}
