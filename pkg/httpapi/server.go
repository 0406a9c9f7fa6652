// Package httpapi is BettaFish's REST + SSE surface (spec §4.10).
//
// Grounded on the teacher's pkg/api/handlers.go: a Server struct holding
// its collaborators by pointer, one method per route using gin.Context,
// gin.H{"error": ...} for failure bodies. The teacher's WSHub.Broadcast
// push model is replaced by eventbus.Bus's pull-then-subscribe model
// since spec §4.2 requires disconnect-safe replay via Last-Event-ID,
// which a plain broadcast hub cannot offer.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bettafish/orchestrator/pkg/baseline"
	"github.com/bettafish/orchestrator/pkg/config"
	"github.com/bettafish/orchestrator/pkg/eventbus"
	"github.com/bettafish/orchestrator/pkg/metrics"
	"github.com/bettafish/orchestrator/pkg/report"
	"github.com/bettafish/orchestrator/pkg/supervisor"
	"github.com/bettafish/orchestrator/pkg/taskregistry"
)

// Server wires the task registry, event bus, baseline store, report
// pipeline, and supervisor into a gin.Engine exposing every route in
// spec §4.10.
type Server struct {
	Tasks      *taskregistry.Registry
	Bus        *eventbus.Bus
	Baseline   *baseline.Store
	Pipeline   *report.Pipeline
	Supervisor *supervisor.Supervisor
	Runs       *report.ActiveRuns
	Logger     *slog.Logger

	ProjectRoot     string
	EngineDirs      map[string]string // engine name -> reports dir, for BaselineStore
	TemplateDir     string
	FinalReportsDir string
	ReportLogPath   string

	HeartbeatInterval time.Duration
	SSEIdleTimeout    time.Duration
}

// NewRouter builds the gin.Engine serving every BettaFish HTTP route.
func (s *Server) NewRouter() *gin.Engine {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 15 * time.Second
	}
	if s.SSEIdleTimeout <= 0 {
		s.SSEIdleTimeout = 120 * time.Second
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/report/generate", s.handleReportGenerate)
	api.GET("/report/progress/:taskId", s.handleReportProgress)
	api.GET("/report/stream/:taskId", s.handleReportStream)
	api.GET("/report/result/:taskId", s.handleReportResult)
	api.GET("/report/download/:taskId", s.handleReportDownload)
	api.POST("/report/cancel/:taskId", s.handleReportCancel)
	api.GET("/report/templates", s.handleReportTemplates)
	api.GET("/report/log", s.handleReportLog)
	api.GET("/system/status", s.handleSystemStatus)
	api.POST("/system/start", s.handleSystemStart)
	api.POST("/system/shutdown", s.handleSystemShutdown)
	api.GET("/config", s.handleConfigGet)
	api.POST("/config", s.handleConfigPost)

	return r
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func ok(c *gin.Context, payload gin.H) {
	payload["success"] = true
	c.JSON(http.StatusOK, payload)
}

// handleStatus answers GET /api/status: engine readiness plus the
// current task summary, if any (spec §4.10).
func (s *Server) handleStatus(c *gin.Context) {
	readiness, err := s.Baseline.CheckNewFiles(s.EngineDirs)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}

	var current *taskregistry.Task
	for _, t := range s.Tasks.List(taskregistry.StatusRunning) {
		tc := t
		current = &tc
		break
	}

	ok(c, gin.H{
		"ready":    readiness.Ready,
		"baseline": readiness.Baseline,
		"current":  readiness.Current,
		"missing":  readiness.Missing,
		"task":     current,
	})
}

type generateRequest struct {
	Query          string `json:"query"`
	CustomTemplate string `json:"custom_template"`
}

// handleReportGenerate answers POST /api/report/generate: creates a task
// (rejecting if one is already running, spec §5 single-flight rule),
// starts the pipeline on its own goroutine, and returns immediately with
// the task id and its stream URL.
func (s *Server) handleReportGenerate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		fail(c, http.StatusBadRequest, err)
		return
	}

	task, err := s.Tasks.Create(req.Query)
	if err != nil {
		if err == taskregistry.ErrTaskAlreadyRunning {
			fail(c, http.StatusBadRequest, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}

	templateDir := s.TemplateDir
	if req.CustomTemplate != "" {
		templateDir = req.CustomTemplate
	}

	go s.runReport(task.ID, req.Query, templateDir)

	ok(c, gin.H{"task_id": task.ID, "stream_url": fmt.Sprintf("/api/report/stream/%s", task.ID)})
}

func (s *Server) runReport(taskID, query, templateDir string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.Runs.Register(taskID, cancel)
	defer func() {
		s.Runs.Unregister(taskID)
		cancel()
	}()

	s.Tasks.Update(taskID, func(t *taskregistry.Task) {
		t.Status = taskregistry.StatusRunning
	})

	latest, err := s.Baseline.LatestFiles(s.EngineDirs)
	if err != nil {
		s.finishWithError(taskID, err)
		return
	}
	reports := [3]string{}
	order := []string{"query_engine", "media_engine", "insight_engine"}
	for i, name := range order {
		if path, ok := latest[name]; ok && path != "" {
			if data, err := os.ReadFile(path); err == nil {
				reports[i] = string(data)
			}
		}
	}

	var forumLog string
	if data, err := os.ReadFile(filepath.Join(s.ReportLogPath, "forum.log")); err == nil {
		forumLog = string(data)
	}

	handler := func(eventType string, payload map[string]any) {
		evt := s.Bus.Publish(taskID, eventType, payload)
		s.Tasks.Update(taskID, func(t *taskregistry.Task) {
			t.LastEventID = evt.ID
		})
	}

	pipeline := *s.Pipeline
	pipeline.TemplateDir = templateDir

	result, err := pipeline.Run(ctx, report.Input{ReportID: taskID, Query: query, Reports: reports, ForumLog: forumLog}, handler)
	if err != nil {
		if ctx.Err() != nil {
			s.Tasks.Update(taskID, func(t *taskregistry.Task) {
				t.Status = taskregistry.StatusCancelled
				t.Error = "cancelled by operator"
			})
			s.Bus.MarkTerminal(taskID, eventbus.StatusCancelled)
			return
		}
		s.finishWithError(taskID, err)
		return
	}

	s.Tasks.Update(taskID, func(t *taskregistry.Task) {
		t.Status = taskregistry.StatusCompleted
		t.Progress = 100
		if t.OutputPaths == nil {
			t.OutputPaths = map[string]string{}
		}
		t.OutputPaths["html"] = result.ReportPath
		t.OutputPaths["runDir"] = result.RunDir
	})
	s.Bus.MarkTerminal(taskID, eventbus.StatusCompleted)
}

func (s *Server) finishWithError(taskID string, err error) {
	s.Logger.Error("httpapi: report task failed", "taskId", taskID, "error", err)
	s.Tasks.Update(taskID, func(t *taskregistry.Task) {
		t.Status = taskregistry.StatusError
		t.Error = err.Error()
	})
	s.Bus.MarkTerminal(taskID, eventbus.StatusError)
}

// handleReportProgress answers GET /api/report/progress/{taskId}: the
// task dict, synthesizing a "completed" response if the task was already
// evicted from the registry (spec §4.10).
func (s *Server) handleReportProgress(c *gin.Context) {
	taskID := c.Param("taskId")
	task, err := s.Tasks.Get(taskID)
	if err != nil {
		ok(c, gin.H{"id": taskID, "status": "completed", "evicted": true})
		return
	}
	ok(c, gin.H{"task": task})
}

// handleReportStream answers GET /api/report/stream/{taskId}: an SSE
// stream honoring Last-Event-ID for replay, heartbeating every
// HeartbeatInterval, and closing once the task is terminal, its queue is
// drained, and it has been idle past SSEIdleTimeout (spec §4.10, §4.2).
func (s *Server) handleReportStream(c *gin.Context) {
	taskID := c.Param("taskId")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	var lastID *int64
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastID = &n
		}
	}

	for _, evt := range s.Bus.HistorySince(taskID, lastID) {
		writeSSEEvent(c, evt)
	}
	c.Writer.Flush()

	sub := s.Bus.Subscribe(taskID)
	defer sub.Close()

	heartbeat := time.NewTicker(s.HeartbeatInterval)
	defer heartbeat.Stop()

	idleDeadline := time.Now().Add(s.SSEIdleTimeout)

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case evt, open := <-sub.Events:
			if !open {
				return
			}
			writeSSEEvent(c, evt)
			c.Writer.Flush()
			idleDeadline = time.Now().Add(s.SSEIdleTimeout)
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()
			if s.Bus.IsExpired(taskID) && time.Now().After(idleDeadline) {
				return
			}
		}
	}
}

func writeSSEEvent(c *gin.Context, evt eventbus.Event) {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		data = []byte("{}")
	}
	fmt.Fprintf(c.Writer, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data)
}

// handleReportResult answers GET /api/report/result/{taskId} with the
// generated report's HTML.
func (s *Server) handleReportResult(c *gin.Context) {
	task, err := s.Tasks.Get(c.Param("taskId"))
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	path, ok := task.OutputPaths["html"]
	if !ok {
		fail(c, http.StatusNotFound, fmt.Errorf("httpapi: report not yet available"))
		return
	}
	c.File(path)
}

// handleReportDownload answers GET /api/report/download/{taskId} with the
// report served as a file attachment.
func (s *Server) handleReportDownload(c *gin.Context) {
	task, err := s.Tasks.Get(c.Param("taskId"))
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	path, ok := task.OutputPaths["html"]
	if !ok {
		fail(c, http.StatusNotFound, fmt.Errorf("httpapi: report not yet available"))
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

// handleReportCancel answers POST /api/report/cancel/{taskId}: flips a
// running task to cancelled without hard-killing any in-flight LLM call
// (spec §4.10, §5 cancellation semantics).
func (s *Server) handleReportCancel(c *gin.Context) {
	taskID := c.Param("taskId")
	if _, err := s.Tasks.Get(taskID); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	s.Runs.Cancel(taskID)
	ok(c, gin.H{"taskId": taskID, "status": "cancelling"})
}

// handleReportTemplates answers GET /api/report/templates: the names of
// every .md template file in the template directory.
func (s *Server) handleReportTemplates(c *gin.Context) {
	entries, err := os.ReadDir(s.TemplateDir)
	if err != nil {
		ok(c, gin.H{"templates": []string{}})
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".md" {
			names = append(names, e.Name())
		}
	}
	ok(c, gin.H{"templates": names})
}

const maxLogTailBytes = 10 * 1024 * 1024

// handleReportLog answers GET /api/report/log: the tail of the report
// log, capped at 10 MiB measured from EOF (spec §4.10).
func (s *Server) handleReportLog(c *gin.Context) {
	path := filepath.Join(s.ReportLogPath, "report.log")
	f, err := os.Open(path)
	if err != nil {
		c.String(http.StatusOK, "")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}

	var start int64
	if info.Size() > maxLogTailBytes {
		start = info.Size() - maxLogTailBytes
	}
	if _, err := f.Seek(start, 0); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusOK)
	io.Copy(c.Writer, f)
}

// handleSystemStatus answers GET /api/system/status with every managed
// engine's last known health (spec §4.9, §4.10).
func (s *Server) handleSystemStatus(c *gin.Context) {
	ok(c, gin.H{"started": s.Supervisor.Started(), "engines": s.Supervisor.Status()})
}

// handleSystemStart answers POST /api/system/start, triggering
// Supervisor.Initialize. Runs synchronously under the request's context;
// callers expecting a long health-probe wait should treat this endpoint
// as slow by design (spec §4.9 health probe default 30s).
func (s *Server) handleSystemStart(c *gin.Context) {
	if err := s.Supervisor.Initialize(c.Request.Context()); err != nil {
		if err == supervisor.ErrAlreadyStarting {
			fail(c, http.StatusBadRequest, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, gin.H{"started": true})
}

// handleSystemShutdown answers POST /api/system/shutdown: schedules
// cleanup asynchronously and returns immediately (spec §4.9
// asyncShutdown; the handler itself must not block).
func (s *Server) handleSystemShutdown(c *gin.Context) {
	s.Supervisor.AsyncShutdown(c.Request.Context(), 6*time.Second, func() {
		s.Logger.Error("httpapi: forced process exit after shutdown grace period")
		os.Exit(1)
	})
	ok(c, gin.H{"shuttingDown": true})
}

// handleConfigGet answers GET /api/config with every recognized,
// currently-set configuration key.
func (s *Server) handleConfigGet(c *gin.Context) {
	ok(c, gin.H{"config": config.AsMap()})
}

// handleConfigPost answers POST /api/config: persists the given keys to
// .env and applies them to the in-memory Settings via config.Update
// (spec §4.10, §4.11).
func (s *Server) handleConfigPost(c *gin.Context) {
	var updates map[string]string
	if err := c.ShouldBindJSON(&updates); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if _, err := config.Update(updates); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, gin.H{"config": config.AsMap()})
}
