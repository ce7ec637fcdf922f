// Package api exposes the bot's management surface: a localhost HTTP API for
// the CLI and an MCP server for operator tooling.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/silfer/silferbot/internal/cluster"
	"github.com/silfer/silferbot/internal/knowledge"
	"github.com/silfer/silferbot/internal/learning"
	"github.com/silfer/silferbot/internal/storage"
)

// ClusterStatus is the coordinator slice the API needs.
type ClusterStatus interface {
	Status() cluster.Snapshot
}

// Importer enqueues knowledge import jobs.
type Importer interface {
	Enqueue(source, title string) (string, error)
}

type AppDeps struct {
	Cluster   ClusterStatus
	Learning  *learning.Service
	Knowledge *knowledge.Base
	Importer  Importer
	Token     string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(g chi.Router) {
		g.Use(BearerAuth(deps.Token))

		g.Get("/status", handleStatus(deps))
		g.Get("/pending", handleListPending(deps))
		g.Get("/memory", handleListMemory(deps))
		g.Get("/memory/{id}", handleGetMemory(deps))
		g.Post("/memory", handleAddMemory(deps))
		g.Patch("/memory/{id}", handleUpdateMemory(deps))
		g.Delete("/memory/{id}", handleDeleteMemory(deps))
		g.Get("/knowledge", handleListKnowledge(deps))
		g.Post("/knowledge/import", handleImportKnowledge(deps))
	})

	return r
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := deps.Cluster.Status()
		pending, err := deps.Learning.PendingList()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing pending: %v", err)
			return
		}
		learned, err := deps.Learning.List()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing learned: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cluster":          snap,
			"pendingQuestions": len(pending),
			"learnedResponses": len(learned),
		})
	}
}

func handleListPending(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Learning.PendingList()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing pending: %v", err)
			return
		}
		if list == nil {
			list = []storage.PendingQuestion{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleListMemory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Learning.List()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing memory: %v", err)
			return
		}
		if list == nil {
			list = []storage.LearnedResponse{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetMemory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		lr, err := deps.Learning.Get(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "no learned response %q", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting %q: %v", id, err)
			return
		}
		writeJSON(w, http.StatusOK, lr)
	}
}

type memoryRequest struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func handleAddMemory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req memoryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" || req.Answer == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question and answer are required")
			return
		}
		lr, err := deps.Learning.Learn(req.Question, req.Answer, "manual")
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "learning: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, lr)
	}
}

func handleUpdateMemory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req memoryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Answer == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "answer is required")
			return
		}
		if err := deps.Learning.UpdateAnswer(id, req.Answer); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "no learned response %q", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "updating %q: %v", id, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "updated"})
	}
}

func handleDeleteMemory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Learning.Delete(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "no learned response %q", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "deleting %q: %v", id, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListKnowledge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs := deps.Knowledge.Documents()
		if docs == nil {
			docs = []knowledge.Document{}
		}
		writeJSON(w, http.StatusOK, docs)
	}
}

type importRequest struct {
	Source string `json:"source"`
	Title  string `json:"title"`
}

func handleImportKnowledge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req importRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Source == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "source is required")
			return
		}
		jobID, err := deps.Importer.Enqueue(req.Source, req.Title)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enqueueing import: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
	}
}
