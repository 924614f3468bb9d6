package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/promptforge/promptforge/internal/cache"
	"github.com/promptforge/promptforge/internal/httputil"
	"github.com/promptforge/promptforge/internal/ledger"
	"github.com/promptforge/promptforge/internal/metrics"
	"github.com/promptforge/promptforge/internal/queue"
	"github.com/promptforge/promptforge/internal/task"
)

type API struct {
	ledger   ledger.Ledger
	queue    *queue.Queue
	cache    *cache.Cache
	defaults task.Config
	mux      *http.ServeMux
}

// CreateTaskRequest is the submission payload. Config fields are optional and
// fall back to the service defaults.
type CreateTaskRequest struct {
	Requirements string `json:"requirements"`
	Config       struct {
		MaxIterations  *int     `json:"max_iterations"`
		ScoreThreshold *float64 `json:"score_threshold"`
		Temperature    *float64 `json:"temperature"`
	} `json:"config"`
}

func NewAPI(l ledger.Ledger, q *queue.Queue, c *cache.Cache, defaults task.Config) *API {
	api := &API{
		ledger:   l,
		queue:    q,
		cache:    c,
		defaults: defaults,
		mux:      http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/tasks", a.handleTasks)
	a.mux.HandleFunc("/api/tasks/", a.handleTaskByID)
	a.mux.HandleFunc("/api/cache/stats", a.handleCacheStats)
	a.mux.HandleFunc("/api/cache/clear", a.handleCacheClear)
	a.mux.HandleFunc("/api/stats", a.handleStats)
	a.mux.HandleFunc("/api/health", a.handleHealth)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.createTask(w, r)
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Printf("failed to close request body: %v", err)
		}
	}()

	var req CreateTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Requirements) == "" {
		httputil.WriteJSONError(w, "Requirements are required", http.StatusBadRequest)
		return
	}

	cfg := a.defaults
	if req.Config.MaxIterations != nil {
		cfg.MaxIterations = *req.Config.MaxIterations
	}
	if req.Config.ScoreThreshold != nil {
		cfg.ScoreThreshold = *req.Config.ScoreThreshold
	}
	if req.Config.Temperature != nil {
		cfg.Temperature = *req.Config.Temperature
	}

	if cfg.MaxIterations < 1 {
		httputil.WriteJSONError(w, "max_iterations must be at least 1", http.StatusBadRequest)
		return
	}
	if cfg.ScoreThreshold < 0 || cfg.ScoreThreshold > 100 {
		httputil.WriteJSONError(w, "score_threshold must be between 0 and 100", http.StatusBadRequest)
		return
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		httputil.WriteJSONError(w, "temperature must be between 0 and 2", http.StatusBadRequest)
		return
	}

	tsk := task.New(req.Requirements, cfg)
	if err := a.ledger.CreateTask(r.Context(), tsk); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := a.queue.Submit(r.Context(), tsk.ID); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	metrics.RecordTaskSubmitted()
	httputil.WriteJSON(w, http.StatusCreated, tsk)
}

func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	taskID, action, _ := strings.Cut(rest, "/")
	if taskID == "" {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		a.getTask(w, r, taskID)
	case "iterations":
		a.listIterations(w, r, taskID)
	case "cancel":
		a.cancelTask(w, r, taskID)
	default:
		httputil.WriteJSONError(w, "Invalid endpoint", http.StatusNotFound)
	}
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tsk, err := a.ledger.GetTask(r.Context(), taskID)
	if errors.Is(err, ledger.ErrNotFound) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, tsk)
}

func (a *API) listIterations(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	iterations, err := a.ledger.ListIterations(r.Context(), taskID)
	if errors.Is(err, ledger.ErrNotFound) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if iterations == nil {
		iterations = []task.Iteration{}
	}
	httputil.WriteJSON(w, http.StatusOK, iterations)
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tsk, err := a.ledger.GetTask(r.Context(), taskID)
	if errors.Is(err, ledger.ErrNotFound) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if tsk.Status.Terminal() {
		httputil.WriteJSONError(w, "Task already finished", http.StatusConflict)
		return
	}

	// Cancellation is cooperative: the flag is honored between iterations, so
	// the caller gets 202 and watches the task status.
	if err := a.queue.RequestCancel(r.Context(), taskID); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"message": "Cancellation requested",
		"task_id": taskID,
	})
}

func (a *API) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := a.cache.Stats(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (a *API) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	removed, err := a.cache.Clear(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]int64{
		"removed": removed,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := a.ledger.CountByStatus(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	depth, err := a.queue.Depth(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"tasks_by_status": byStatus,
		"queue_depth":     depth,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
