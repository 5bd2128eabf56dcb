// Package mockserver is an in-process stand-in for the remote task HTTP
// API, used by bridge tests and local development. Tasks transition
// through a scripted sequence of states on each poll.
package mockserver

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ScriptedTask controls how a mock task behaves
type ScriptedTask struct {
	// States are returned one per poll; the last one repeats
	States []string
	// ResultData is returned once the task reaches success
	ResultData map[string]any
	// FailedMessage is returned when the task reaches failed
	FailedMessage string
}

type taskState struct {
	script *ScriptedTask
	polls  int
}

// Server is the mock remote task API
type Server struct {
	echo *echo.Echo

	mu       sync.Mutex
	tasks    map[string]*taskState
	fallback *ScriptedTask
}

// New creates a mock server whose tasks follow the given default script
func New(defaultScript *ScriptedTask) *Server {
	if defaultScript == nil {
		defaultScript = &ScriptedTask{
			States:     []string{"queued", "running", "success"},
			ResultData: map[string]any{},
		}
	}

	s := &Server{
		echo:     echo.New(),
		tasks:    make(map[string]*taskState),
		fallback: defaultScript,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.POST("/v3/users/me/tasks", s.createTask)
	s.echo.GET("/v3/users/me/tasks/:id", s.taskDetail)
	s.echo.GET("/v3/users/me/tasks/:id/result", s.taskResult)

	return s
}

// Handler exposes the HTTP handler for httptest servers
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Script sets the behavior of the task with the given id; tasks created
// through the API get fresh ids and follow the default script
func (s *Server) Script(taskID string, script *ScriptedTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID] = &taskState{script: script}
}

func (s *Server) createTask(c echo.Context) error {
	var payload map[string]any
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "invalid payload"})
	}

	taskID := uuid.NewString()
	s.mu.Lock()
	if _, ok := s.tasks[taskID]; !ok {
		s.tasks[taskID] = &taskState{script: s.fallback}
	}
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]string{"taskId": taskID})
}

func (s *Server) taskDetail(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[c.Param("id")]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "task not found"})
	}

	state := task.currentState()
	task.polls++

	resp := map[string]any{
		"status":   state,
		"progress": float64(task.polls) / float64(len(task.script.States)),
	}
	if state == "failed" {
		resp["failedMessage"] = task.script.FailedMessage
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) taskResult(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[c.Param("id")]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "task not found"})
	}

	switch task.currentState() {
	case "success":
		return c.JSON(http.StatusOK, map[string]any{
			"status":     "success",
			"resultData": task.script.ResultData,
		})
	case "failed":
		return c.JSON(http.StatusOK, map[string]any{
			"status": "failed",
			"error":  task.script.FailedMessage,
		})
	default:
		return c.JSON(http.StatusOK, map[string]any{"status": "pending"})
	}
}

func (t *taskState) currentState() string {
	idx := t.polls
	if idx >= len(t.script.States) {
		idx = len(t.script.States) - 1
	}
	return t.script.States[idx]
}
