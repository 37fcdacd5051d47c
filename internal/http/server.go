package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/aeolus87/moniqo-be-sub000/internal/log"
	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/service"
	"github.com/aeolus87/moniqo-be-sub000/pkg/storage"
)

func StartServer(port string, svc *service.OrchestratorService) error {
	log.GetLogger().Infof("Starting moniqo server on :%s", port)
	return http.ListenAndServe(":"+port, NewHandler(svc))
}

// NewHandler builds the HTTP surface of the orchestrator.
func NewHandler(svc *service.OrchestratorService) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/tasks", tasksHandler(svc))
	mux.HandleFunc("/tasks/", taskHandler(svc))
	mux.HandleFunc("/executions/", executionHandler(svc))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "moniqo server is running")
}

func tasksHandler(svc *service.OrchestratorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listTasksHTTP(w, svc)
		case http.MethodPost:
			createTaskHTTP(w, r, svc)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

type createTaskRequest struct {
	Name   string            `json:"name"`
	Symbol string            `json:"symbol"`
	Mode   models.TaskMode   `json:"mode"`
	Config models.TaskConfig `json:"config"`
}

func createTaskHTTP(w http.ResponseWriter, r *http.Request, svc *service.OrchestratorService) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		req.Mode = models.SoloTaskMode
	}
	task, err := svc.CreateTask(req.Name, req.Symbol, req.Mode, req.Config)
	if err != nil {
		log.GetLogger().Errorf("Failed to create task: %v", err)
		http.Error(w, fmt.Sprintf("Failed to create task: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func listTasksHTTP(w http.ResponseWriter, svc *service.OrchestratorService) {
	tasks, err := svc.ListTasks()
	if err != nil {
		log.GetLogger().Errorf("Failed to list tasks: %v", err)
		http.Error(w, fmt.Sprintf("Failed to list tasks: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// taskHandler serves /tasks/{id} and the /tasks/{id}/{action} verbs
// trigger, start and stop.
func taskHandler(svc *service.OrchestratorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			http.Error(w, "Missing task ID", http.StatusBadRequest)
			return
		}
		taskID := parts[0]

		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			getTaskHTTP(w, svc, taskID)
			return
		}

		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		switch parts[1] {
		case "trigger":
			triggerTaskHTTP(w, r, svc, taskID)
		case "start":
			startTaskHTTP(w, svc, taskID)
		case "stop":
			stopTaskHTTP(w, svc, taskID)
		default:
			http.Error(w, fmt.Sprintf("Unknown action %q", parts[1]), http.StatusNotFound)
		}
	}
}

func getTaskHTTP(w http.ResponseWriter, svc *service.OrchestratorService, taskID string) {
	task, err := svc.GetTask(taskID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, fmt.Sprintf("Task %s not found", taskID), http.StatusNotFound)
		return
	}
	if err != nil {
		log.GetLogger().Errorf("Failed to get task %s: %v", taskID, err)
		http.Error(w, fmt.Sprintf("Failed to get task: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func triggerTaskHTTP(w http.ResponseWriter, r *http.Request, svc *service.OrchestratorService, taskID string) {
	execution, err := svc.TriggerOnce(r.Context(), taskID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, fmt.Sprintf("Task %s not found", taskID), http.StatusNotFound)
		return
	case errors.Is(err, service.ErrLockContention):
		http.Error(w, fmt.Sprintf("Task %s is already executing", taskID), http.StatusConflict)
		return
	case errors.Is(err, service.ErrTaskNotActive):
		http.Error(w, fmt.Sprintf("Task %s is not active", taskID), http.StatusConflict)
		return
	case err != nil:
		// The execution record carries the failure detail; return it with 500.
		log.GetLogger().Errorf("Execution of task %s failed: %v", taskID, err)
		writeJSON(w, http.StatusInternalServerError, execution)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

func startTaskHTTP(w http.ResponseWriter, svc *service.OrchestratorService, taskID string) {
	task, err := svc.StartContinuous(taskID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, fmt.Sprintf("Task %s not found", taskID), http.StatusNotFound)
		return
	}
	if err != nil {
		log.GetLogger().Errorf("Failed to start task %s: %v", taskID, err)
		http.Error(w, fmt.Sprintf("Failed to start task: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func stopTaskHTTP(w http.ResponseWriter, svc *service.OrchestratorService, taskID string) {
	task, err := svc.StopContinuous(taskID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, fmt.Sprintf("Task %s not found", taskID), http.StatusNotFound)
		return
	}
	if err != nil {
		log.GetLogger().Errorf("Failed to stop task %s: %v", taskID, err)
		http.Error(w, fmt.Sprintf("Failed to stop task: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func executionHandler(svc *service.OrchestratorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		executionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/executions/"), "/")
		if executionID == "" {
			http.Error(w, "Missing execution ID", http.StatusBadRequest)
			return
		}
		execution, err := svc.GetExecution(executionID)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Execution %s not found", executionID), http.StatusNotFound)
			return
		}
		if err != nil {
			log.GetLogger().Errorf("Failed to get execution %s: %v", executionID, err)
			http.Error(w, fmt.Sprintf("Failed to get execution: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, execution)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
