package server

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/askora/askora/internal/chat"
	"github.com/askora/askora/internal/models"
	"github.com/askora/askora/internal/repo"
)

const recentLimit = 10

type indexData struct {
	Recent []models.Ingestion
	Input  string
	Error  string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderIndex(w, r, http.StatusOK, indexData{})
}

func (s *Server) renderIndex(w http.ResponseWriter, r *http.Request, status int, data indexData) {
	if s.deps.History != nil {
		recent, err := s.deps.History.ListRecentRepositories(r.Context(), recentLimit)
		if err != nil {
			log.Printf("listing recent repositories: %v", err)
		}
		data.Recent = recent
	}
	s.renderPage(w, status, "index.html", data)
}

func (s *Server) handleStartChat(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	input := strings.TrimSpace(r.FormValue("repo"))
	if input == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	if repo.IsDemo(input) {
		sess := s.deps.Sessions.NewSession(strings.ToLower(input), true)
		sess.Begin()
		s.setIngestStatus(sess.ID, "ready", "")
		http.Redirect(w, r, "/chat/"+sess.ID, http.StatusSeeOther)
		return
	}

	id, err := repo.Parse(input)
	if err != nil {
		s.renderIndex(w, r, http.StatusBadRequest, indexData{Input: input, Error: "Invalid GitHub repository URL"})
		return
	}

	sess := s.deps.Sessions.NewSession(id, false)
	s.setIngestStatus(sess.ID, "ingesting", "")
	go s.ingest(sess)

	http.Redirect(w, r, "/chat/"+sess.ID, http.StatusSeeOther)
}

// ingest provisions the session's repository in the background and records
// the outcome for the status fragment to pick up.
func (s *Server) ingest(sess *chat.Session) {
	ctx := context.Background()

	if s.deps.GitHub != nil {
		ok, err := s.deps.GitHub.Exists(ctx, sess.Repository)
		switch {
		case err != nil:
			log.Printf("checking %s on github: %v", sess.Repository, err)
		case !ok:
			s.setIngestStatus(sess.ID, "error", "Repository not found on GitHub or is not accessible")
			return
		}
	}

	if _, err := s.deps.Provisioner.Provision(ctx, sess.Repository); err != nil {
		log.Printf("ingesting %s for session %s: %v", sess.Repository, sess.ID, err)
		s.setIngestStatus(sess.ID, "error", err.Error())
		return
	}

	sess.Begin()
	s.setIngestStatus(sess.ID, "ready", "")
}

type chatData struct {
	Session       *chat.Session
	Messages      []models.Message
	Status        string
	Error         string
	LastIngestion *models.Ingestion
}

func (s *Server) chatData(sess *chat.Session) chatData {
	st := s.getIngestStatus(sess.ID)
	return chatData{
		Session:  sess,
		Messages: sess.Messages(),
		Status:   st.Status,
		Error:    st.Error,
	}
}

func (s *Server) handleShowChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Sessions.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	data := s.chatData(sess)
	if s.deps.History != nil && !sess.Demo {
		last, err := s.deps.History.LatestIngestion(r.Context(), sess.Repository)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Printf("getting latest ingestion of %s: %v", sess.Repository, err)
		}
		data.LastIngestion = last
	}
	s.renderPage(w, http.StatusOK, "chat.html", data)
}

func (s *Server) handleChatStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Sessions.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.renderFragment(w, "status_fragment.html", s.chatData(sess))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Sessions.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if s.getIngestStatus(sess.ID).Status != "ready" {
		http.Error(w, "Repository is not ready yet", http.StatusConflict)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// The reply is recorded even if the browser goes away mid-request.
	_, err := sess.Send(context.WithoutCancel(r.Context()), r.FormValue("message"))
	switch {
	case errors.Is(err, chat.ErrEmpty):
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, chat.ErrBusy):
		http.Error(w, "A message is already being answered", http.StatusConflict)
		return
	case err != nil:
		log.Printf("sending message in session %s: %v", sess.ID, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.renderFragment(w, "message_fragment.html", sess.Messages())
}
