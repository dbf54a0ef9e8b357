package server

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/askora/askora/internal/chat"
	"github.com/askora/askora/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed templates
var templatesFS embed.FS

//go:embed static
var staticFS embed.FS

type Provisioner interface {
	Provision(ctx context.Context, id string) (models.Provisioning, error)
}

type History interface {
	ListRecentRepositories(ctx context.Context, limit int) ([]models.Ingestion, error)
	LatestIngestion(ctx context.Context, repository string) (*models.Ingestion, error)
}

// RepoChecker confirms a repository is reachable on GitHub before ingesting it.
type RepoChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Deps are the collaborators behind the HTTP surface. History, GitHub and
// Gatherer may be nil.
type Deps struct {
	Provisioner Provisioner
	Asker       chat.Asker
	Sessions    *chat.Manager
	History     History
	GitHub      RepoChecker
	Gatherer    prometheus.Gatherer
}

// ingestStatusEntry tracks the asynchronous ingestion behind a chat session.
type ingestStatusEntry struct {
	Status string // "ingesting", "ready", "error"
	Error  string // error message if Status == "error"
}

type Server struct {
	deps         Deps
	pages        map[string]*template.Template
	httpSrv      *http.Server
	ln           net.Listener
	addr         string
	ingestStatus sync.Map // chat session ID (string) → ingestStatusEntry
}

var funcMap = template.FuncMap{
	"formatMessage": formatMessage,
}

func New(deps Deps) (*Server, error) {
	pages, err := parsePages()
	if err != nil {
		return nil, err
	}

	s := &Server{
		deps:  deps,
		pages: pages,
	}

	mux := http.NewServeMux()

	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("getting static subfs: %w", err)
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /api/mindsdb/ingest", s.handleIngest)
	mux.HandleFunc("POST /api/mindsdb/query", s.handleQuery)

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /chat", s.handleStartChat)
	mux.HandleFunc("GET /chat/{id}", s.handleShowChat)
	mux.HandleFunc("GET /chat/{id}/status", s.handleChatStatus)
	mux.HandleFunc("POST /chat/{id}/messages", s.handleSendMessage)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	s.httpSrv = &http.Server{Handler: mux}
	return s, nil
}

// parsePages builds a template for each page by combining layout.html and
// partials.html with the page template.
func parsePages() (map[string]*template.Template, error) {
	tmplFS, err := fs.Sub(templatesFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("getting templates subfs: %w", err)
	}

	layoutBytes, err := fs.ReadFile(tmplFS, "layout.html")
	if err != nil {
		return nil, fmt.Errorf("reading layout: %w", err)
	}
	partialBytes, err := fs.ReadFile(tmplFS, "partials.html")
	if err != nil {
		return nil, fmt.Errorf("reading partials: %w", err)
	}

	pageNames := []string{
		"index.html",
		"chat.html",
		"message_fragment.html",
		"status_fragment.html",
	}

	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		pageBytes, err := fs.ReadFile(tmplFS, name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		tmpl, err := template.New("layout.html").Funcs(funcMap).Parse(string(layoutBytes))
		if err != nil {
			return nil, fmt.Errorf("parsing layout for %s: %w", name, err)
		}
		if _, err := tmpl.New("partials.html").Parse(string(partialBytes)); err != nil {
			return nil, fmt.Errorf("parsing partials for %s: %w", name, err)
		}
		if _, err := tmpl.New(name).Parse(string(pageBytes)); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}

		pages[name] = tmpl
	}
	return pages, nil
}

// Listen binds the server to addr. Call Serve to start handling requests.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	s.ln = ln
	s.addr = ln.Addr().String()
	return nil
}

// Serve starts handling HTTP requests. Blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.httpSrv.Shutdown(context.Background())
	}()

	fmt.Printf("Askora running at http://%s\n", s.addr)
	fmt.Println("Press Ctrl+C to stop.")

	if err := s.httpSrv.Serve(s.ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving: %w", err)
	}
	fmt.Println("\nShutting down...")
	return nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) renderPage(w http.ResponseWriter, status int, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("template not found: %s", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.ExecuteTemplate(w, "layout.html", data); err != nil {
		log.Printf("render error (%s): %v", name, err)
	}
}

func (s *Server) renderFragment(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("fragment template not found: %s", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		log.Printf("render error (%s): %v", name, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// PruneSessions drops chat sessions idle for longer than maxAge along with
// their ingestion status and returns how many were removed.
func (s *Server) PruneSessions(maxAge time.Duration) int {
	removed := s.deps.Sessions.Prune(maxAge)
	for _, id := range removed {
		s.ingestStatus.Delete(id)
	}
	return len(removed)
}

// setIngestStatus records status for a live session. A background ingestion
// finishing after its session was pruned records nothing.
func (s *Server) setIngestStatus(sessionID, status, errMsg string) {
	if _, ok := s.deps.Sessions.Get(sessionID); !ok {
		return
	}
	s.ingestStatus.Store(sessionID, ingestStatusEntry{Status: status, Error: errMsg})
}

func (s *Server) getIngestStatus(sessionID string) ingestStatusEntry {
	v, ok := s.ingestStatus.Load(sessionID)
	if !ok {
		return ingestStatusEntry{}
	}
	return v.(ingestStatusEntry)
}
