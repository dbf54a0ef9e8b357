package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/askora/askora/internal/models"
	"github.com/askora/askora/internal/repo"
)

const (
	msgInvalidRepository = "Invalid repository format. Expected: owner/repo"
	msgQueryRequired     = "Repository and query are required"
	msgIngestComplete    = "Repository setup complete. Agent can answer questions about code, issues, and PRs."
)

type ingestRequest struct {
	Repository string `json:"repository"`
}

type ingestResponse struct {
	Success        bool   `json:"success"`
	Repository     string `json:"repository"`
	KnowledgeBase  string `json:"knowledgeBase"`
	GitHubDatabase string `json:"githubDatabase"`
	Agent          string `json:"agent"`
	Message        string `json:"message"`
}

type queryRequest struct {
	Repository          string            `json:"repository"`
	Query               string            `json:"query"`
	ConversationHistory []models.Exchange `json:"conversationHistory"`
}

type queryResponse struct {
	Success    bool   `json:"success"`
	Response   string `json:"response"`
	Repository string `json:"repository"`
	Query      string `json:"query"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgInvalidRepository})
		return
	}
	if _, err := repo.Validate(req.Repository); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgInvalidRepository})
		return
	}

	result, err := s.deps.Provisioner.Provision(r.Context(), req.Repository)
	if err != nil {
		log.Printf("ingesting %s: %v", req.Repository, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{
		Success:        true,
		Repository:     req.Repository,
		KnowledgeBase:  result.KnowledgeBase,
		GitHubDatabase: result.Database,
		Agent:          result.Agent,
		Message:        msgIngestComplete,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgQueryRequired})
		return
	}
	if req.Repository == "" || strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgQueryRequired})
		return
	}
	if _, err := repo.Validate(req.Repository); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgInvalidRepository})
		return
	}

	answer, err := s.deps.Asker.Ask(r.Context(), req.Repository, req.Query, req.ConversationHistory)
	if err != nil {
		log.Printf("querying %s: %v", req.Repository, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Success:    true,
		Response:   answer,
		Repository: req.Repository,
		Query:      req.Query,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encoding response: %v", err)
	}
}
