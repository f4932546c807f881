package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"renderhub/apperr"
	"renderhub/config"
	"renderhub/provider"
	"renderhub/replay"
	"renderhub/storage"
	"renderhub/task"
	"renderhub/webhookauth"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateRenderer holds every render until release is closed.
type gateRenderer struct {
	release chan struct{}
}

func (g *gateRenderer) Render(ctx context.Context, data task.JobData, _ task.ProgressFunc) (*task.RenderResult, error) {
	select {
	case <-g.release:
		return &task.RenderResult{VideoURL: "/tmp/" + data.VideoID + ".mp4"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type mockPipeline struct {
	tm *task.Manager

	mu        sync.Mutex
	callbacks []webhookauth.FalCallback
	startErr  error
	dispatch  func(ctx context.Context, jobID string) (*provider.Result, error)
}

func (m *mockPipeline) StartRender(_ context.Context, videoID string) (string, error) {
	if m.startErr != nil {
		return "", m.startErr
	}
	data := task.JobData{VideoID: videoID, Clips: []task.Clip{{SourceURL: "a.mp4", DurationSeconds: 5}}}
	return m.tm.CreateJob(data, task.Callbacks{}, ""), nil
}

func (m *mockPipeline) DispatchGeneration(ctx context.Context, jobID string) (*provider.Result, error) {
	return m.dispatch(ctx, jobID)
}

func (m *mockPipeline) HandleFalCallback(_ context.Context, cb webhookauth.FalCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
	return nil
}

func (m *mockPipeline) received() []webhookauth.FalCallback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webhookauth.FalCallback(nil), m.callbacks...)
}

type staticVerifier struct {
	ok bool
}

func (v staticVerifier) VerifyRequest(context.Context, *http.Request, []byte) bool {
	return v.ok
}

type testEnv struct {
	router   *gin.Engine
	cfg      *config.Config
	tm       *task.Manager
	pipeline *mockPipeline
	renderer *gateRenderer
	verifier *staticVerifier
	files    *storage.Local
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		MaxConcurrency: 1,
		AuthEnable:     false,
		MaxWebhookBody: 1 << 10,
	}
	renderer := &gateRenderer{release: make(chan struct{})}
	tm, err := task.NewManager(cfg, renderer, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		close(renderer.release)
		tm.Wait()
	})

	files, err := storage.NewLocal(t.TempDir(), "")
	require.NoError(t, err)

	env := &testEnv{
		cfg:      cfg,
		tm:       tm,
		pipeline: &mockPipeline{tm: tm},
		renderer: renderer,
		verifier: &staticVerifier{ok: true},
		files:    files,
	}
	env.router = SetupRouter(Deps{
		Queue:    tm,
		Pipeline: env.pipeline,
		Verifier: env.verifier,
		Guard:    replay.NewMemory(time.Hour),
		Files:    files,
		Config:   cfg,
		Log:      logr.Discard(),
	})
	return env
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	env := setupTestRouter(t)
	w := doRequest(env.router, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHandleCreateRender(t *testing.T) {
	t.Run("Queues job", func(t *testing.T) {
		env := setupTestRouter(t)
		w := doRequest(env.router, "POST", "/api/v1/renders", `{"videoId":"vid-1"}`)

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decode(t, w)
		assert.Equal(t, true, resp["success"])
		jobID, _ := resp["jobId"].(string)
		require.NotEmpty(t, jobID)

		job, found := env.tm.GetJob(jobID)
		assert.True(t, found)
		assert.Equal(t, "vid-1", job.Data.VideoID)
	})

	t.Run("Missing video id", func(t *testing.T) {
		env := setupTestRouter(t)
		w := doRequest(env.router, "POST", "/api/v1/renders", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, false, decode(t, w)["success"])
	})

	t.Run("Pipeline errors map to status", func(t *testing.T) {
		env := setupTestRouter(t)
		env.pipeline.startErr = apperr.New(apperr.CodeNotFound, "video not found")
		w := doRequest(env.router, "POST", "/api/v1/renders", `{"videoId":"missing"}`)

		assert.Equal(t, http.StatusNotFound, w.Code)
		resp := decode(t, w)
		assert.Equal(t, false, resp["success"])
		assert.Equal(t, "video not found", resp["error"])
	})
}

func TestHandleGetRender(t *testing.T) {
	env := setupTestRouter(t)
	id := env.tm.CreateJob(task.JobData{VideoID: "vid-2", Clips: []task.Clip{{SourceURL: "a.mp4"}}}, task.Callbacks{}, "")

	w := doRequest(env.router, "GET", "/api/v1/renders/"+id, "")
	assert.Equal(t, http.StatusOK, w.Code)
	var job task.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "vid-2", job.Data.VideoID)

	w = doRequest(env.router, "GET", "/api/v1/renders/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(env.router, "GET", "/api/v1/renders", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var jobs []task.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)
}

func TestHandleCancelRender(t *testing.T) {
	env := setupTestRouter(t)
	id := env.tm.CreateJob(task.JobData{VideoID: "vid-3", Clips: []task.Clip{{SourceURL: "a.mp4"}}}, task.Callbacks{}, "")

	w := doRequest(env.router, "DELETE", "/api/v1/renders/"+id, "")
	assert.Equal(t, http.StatusOK, w.Code)
	job, _ := env.tm.GetJob(id)
	assert.Equal(t, task.StatusCancelled, job.Status)

	// Already terminal.
	w = doRequest(env.router, "DELETE", "/api/v1/renders/"+id, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["error"], "cancelled")

	w = doRequest(env.router, "DELETE", "/api/v1/renders/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleDispatchGeneration(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"validation", apperr.New(apperr.CodeValidation, "job has no images"), http.StatusBadRequest},
		{"not found", apperr.New(apperr.CodeNotFound, "generation job not found"), http.StatusNotFound},
		{"conflict", apperr.New(apperr.CodeConflict, "generation job already completed"), http.StatusConflict},
		{"provider", apperr.New(apperr.CodeProvider, "all providers failed"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestRouter(t)
			env.pipeline.dispatch = func(_ context.Context, jobID string) (*provider.Result, error) {
				assert.Equal(t, "gen-1", jobID)
				if tt.err != nil {
					return nil, tt.err
				}
				return provider.NewResult("req-1", provider.NameFal, "kling", nil), nil
			}

			w := doRequest(env.router, "POST", "/api/v1/generations/gen-1/dispatch", "")
			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decode(t, w)
			if tt.err == nil {
				assert.Equal(t, true, resp["success"])
				assert.Equal(t, provider.NameFal, resp["provider"])
				assert.Equal(t, "req-1", resp["requestId"])
			} else {
				assert.Equal(t, false, resp["success"])
			}
		})
	}
}

func TestHandleGetFile(t *testing.T) {
	env := setupTestRouter(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.files.Dir(), "out.mp4"), []byte("video"), 0o644))

	w := doRequest(env.router, "GET", "/api/v1/files/out.mp4", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video", w.Body.String())

	w = doRequest(env.router, "GET", "/api/v1/files/missing.mp4", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleFalWebhook(t *testing.T) {
	body := `{"request_id":"req-9","status":"OK","payload":{"video":{"url":"https://cdn/x.mp4"}}}`

	t.Run("Verified callback is handled once", func(t *testing.T) {
		env := setupTestRouter(t)
		for i := 0; i < 2; i++ {
			w := doRequest(env.router, "POST", "/webhooks/fal", body)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"success":true}`, w.Body.String())
		}
		got := env.pipeline.received()
		require.Len(t, got, 1)
		assert.Equal(t, "req-9", got[0].RequestID)
		assert.Equal(t, "https://cdn/x.mp4", got[0].VideoURL())
	})

	t.Run("Unverified callback is acknowledged and dropped", func(t *testing.T) {
		env := setupTestRouter(t)
		env.verifier.ok = false
		w := doRequest(env.router, "POST", "/webhooks/fal", body)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, env.pipeline.received())
	})

	t.Run("Oversized body is dropped", func(t *testing.T) {
		env := setupTestRouter(t)
		big := `{"request_id":"req-big","pad":"` + strings.Repeat("x", 2048) + `"}`
		w := doRequest(env.router, "POST", "/webhooks/fal", big)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, env.pipeline.received())
	})

	t.Run("Malformed body is dropped", func(t *testing.T) {
		env := setupTestRouter(t)
		w := doRequest(env.router, "POST", "/webhooks/fal", `not json`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, env.pipeline.received())
	})
}

type failingGuard struct{}

func (failingGuard) FirstSeen(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestHandleFalWebhookGuardFailsOpen(t *testing.T) {
	env := setupTestRouter(t)
	router := SetupRouter(Deps{
		Queue:    env.tm,
		Pipeline: env.pipeline,
		Verifier: env.verifier,
		Guard:    failingGuard{},
		Config:   env.cfg,
		Log:      logr.Discard(),
	})

	w := doRequest(router, "POST", "/webhooks/fal", `{"request_id":"req-1","status":"OK"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, env.pipeline.received(), 1)
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestRouter(t)
	env.cfg.AuthClients = `mobile=mob-key "web app=web-key"`
	router := SetupRouter(Deps{
		Queue:    env.tm,
		Pipeline: env.pipeline,
		Verifier: env.verifier,
		Config:   env.cfg,
		Log:      logr.Discard(),
	})

	get := func(header, value string) int {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/renders", nil)
		if header != "" {
			req.Header.Set(header, value)
		}
		router.ServeHTTP(w, req)
		return w.Code
	}

	t.Run("Auth disabled", func(t *testing.T) {
		env.cfg.AuthEnable = false
		assert.Equal(t, http.StatusOK, get("", ""))
	})

	env.cfg.AuthEnable = true
	env.cfg.AuthKey = "secret-key"

	t.Run("No token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, get("", ""))
	})

	t.Run("Wrong token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, get("Authorization", "Bearer wrong-key"))
		assert.Equal(t, http.StatusUnauthorized, get("Authorization", "Basic secret-key"))
	})

	t.Run("Correct token", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, get("Authorization", "Bearer secret-key"))
		assert.Equal(t, http.StatusOK, get("X-API-Key", "secret-key"))
	})

	t.Run("Client keys", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, get("Authorization", "Bearer mob-key"))
		assert.Equal(t, http.StatusOK, get("X-API-Key", "web-key"))
	})

	t.Run("Webhook route bypasses auth", func(t *testing.T) {
		w := doRequest(router, "POST", "/webhooks/fal", `{"request_id":"req-auth","status":"OK"}`)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestParseClientKeys(t *testing.T) {
	clients, err := ParseClientKeys(`mobile=abc 'web app=d e f'`)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"mobile": "abc", "web app": "d e f"}, clients)

	clients, err = ParseClientKeys("")
	require.NoError(t, err)
	assert.Empty(t, clients)

	_, err = ParseClientKeys("novalue")
	assert.Error(t, err)
	_, err = ParseClientKeys("name=")
	assert.Error(t, err)
}
