// Package ingest provisions a GitHub repository into MindsDB: a github-engine
// database, a knowledge base crawled from the repository and an agent bound to
// both.
package ingest

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/askora/askora/internal/config"
	"github.com/askora/askora/internal/mindsdb"
	"github.com/askora/askora/internal/models"
	"github.com/askora/askora/internal/repo"
)

// Tables are the github-engine tables exposed to every agent.
var Tables = []string{
	"pull_requests",
	"issues",
	"commits",
	"branches",
	"files",
	"contributors",
	"comments",
	"discussions",
	"releases",
}

var tableDescriptions = map[string]string{
	"pull_requests": "Pull requests data",
	"issues":        "Issues data",
	"commits":       "Commit history",
	"branches":      "Branch information",
	"files":         "Repository files",
	"contributors":  "Contributor data",
	"comments":      "Comments on issues/PRs",
	"discussions":   "GitHub discussions",
	"releases":      "Release information",
}

// Backend is the subset of the MindsDB API used for provisioning.
type Backend interface {
	Project() string
	SQL(ctx context.Context, query string) error
	GetDatabase(ctx context.Context, name string) error
	CreateKnowledgeBase(ctx context.Context, name string) error
	InsertURLs(ctx context.Context, kb string, urls []string, depth int) error
	GetKnowledgeBase(ctx context.Context, name string) error
	CreateAgent(ctx context.Context, agent mindsdb.Agent) error
	GetAgent(ctx context.Context, name string) error
}

// History records ingestion attempts. It may be nil.
type History interface {
	RecordIngestion(ctx context.Context, in models.Ingestion) (*models.Ingestion, error)
}

// Recorder receives ingestion metrics. It may be nil.
type Recorder interface {
	ObserveIngest(outcome, stage string, d time.Duration)
	IncCleanupError(resource string)
}

type Options struct {
	APIKey              string
	GitHubToken         string
	Model               string
	CrawlDepth          int
	SkipExisting        bool
	DatabaseSettle      time.Duration
	KnowledgeBaseSettle time.Duration
	PollInterval        time.Duration
}

// OptionsFromConfig maps loaded configuration onto provisioning options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		APIKey:              cfg.OpenAIKey,
		GitHubToken:         cfg.GitHubToken,
		Model:               cfg.MindsDB.Model,
		CrawlDepth:          cfg.Ingest.CrawlDepth,
		SkipExisting:        *cfg.Ingest.SkipExisting,
		DatabaseSettle:      cfg.Ingest.DatabaseSettle,
		KnowledgeBaseSettle: cfg.Ingest.KnowledgeBaseSettle,
		PollInterval:        cfg.Ingest.PollInterval,
	}
}

type Provisioner struct {
	backend  Backend
	history  History
	recorder Recorder
	opts     Options
	locks    sync.Map // repository → *sync.Mutex
}

func New(backend Backend, history History, recorder Recorder, opts Options) *Provisioner {
	if opts.Model == "" {
		opts.Model = config.DefaultModel
	}
	if opts.CrawlDepth <= 0 {
		opts.CrawlDepth = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Provisioner{
		backend:  backend,
		history:  history,
		recorder: recorder,
		opts:     opts,
	}
}

// Provision creates (or reuses) the MindsDB resources for a repository identifier.
// On failure every resource is dropped once, best effort, and the original error is returned.
func (p *Provisioner) Provision(ctx context.Context, id string) (models.Provisioning, error) {
	id, err := repo.Validate(id)
	if err != nil {
		return models.Provisioning{}, err
	}
	if p.opts.APIKey == "" {
		return models.Provisioning{}, config.ErrMissingAPIKey
	}

	mu := p.lock(id)
	defer mu.Unlock()

	start := time.Now()
	result := models.Provisioning{Repository: id, Names: repo.NamesFor(id)}

	err = p.provision(ctx, &result)
	p.record(ctx, result, err, time.Since(start))
	if err != nil {
		p.cleanup(result.Names)
		return models.Provisioning{}, err
	}
	return result, nil
}

func (p *Provisioner) provision(ctx context.Context, result *models.Provisioning) error {
	names := result.Names
	b := p.backend

	if p.opts.SkipExisting {
		if err := b.GetAgent(ctx, names.Agent); err == nil {
			log.Printf("agent %s already exists, skipping ingestion of %s", names.Agent, result.Repository)
			result.Reused = true
			return nil
		} else if !mindsdb.IsNotFound(err) {
			log.Printf("checking agent %s: %v", names.Agent, err)
		}
	}

	if err := tolerateExisting(b.SQL(ctx, p.createDatabaseSQL(result.Repository, names.Database))); err != nil {
		return &StageError{Stage: StageCreateDatabase, Err: err}
	}
	if err := p.settle(ctx, p.opts.DatabaseSettle, func(ctx context.Context) error {
		return b.GetDatabase(ctx, names.Database)
	}); err != nil {
		return &StageError{Stage: StageCreateDatabase, Err: err}
	}

	if err := tolerateExisting(b.CreateKnowledgeBase(ctx, names.KnowledgeBase)); err != nil {
		return &StageError{Stage: StageCreateKnowledgeBase, Err: err}
	}

	if err := b.InsertURLs(ctx, names.KnowledgeBase, []string{repo.URL(result.Repository)}, p.opts.CrawlDepth); err != nil {
		return &StageError{Stage: StageInsertKnowledgeBase, Err: err}
	}
	if err := p.settle(ctx, p.opts.KnowledgeBaseSettle, func(ctx context.Context) error {
		return b.GetKnowledgeBase(ctx, names.KnowledgeBase)
	}); err != nil {
		return &StageError{Stage: StageInsertKnowledgeBase, Err: err}
	}

	if err := tolerateExisting(b.CreateAgent(ctx, p.agentFor(result.Repository, names))); err != nil {
		return &StageError{Stage: StageCreateAgent, Err: err}
	}
	return nil
}

// settle polls ready until it succeeds or budget elapses. Running out of budget
// is not an error: MindsDB keeps registering in the background. Only
// cancellation of ctx fails the wait.
func (p *Provisioner) settle(ctx context.Context, budget time.Duration, ready func(context.Context) error) error {
	if budget <= 0 {
		return nil
	}
	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	tick := time.NewTicker(p.opts.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-tick.C:
			if err := ready(ctx); err == nil {
				return nil
			}
		}
	}
}

func (p *Provisioner) createDatabaseSQL(id, database string) string {
	params := fmt.Sprintf(`"repository": %q`, id)
	if p.opts.GitHubToken != "" {
		params += fmt.Sprintf(`, "token": %q`, p.opts.GitHubToken)
	}
	return fmt.Sprintf("CREATE DATABASE %s WITH ENGINE='github', PARAMETERS={%s};", database, params)
}

func (p *Provisioner) agentFor(id string, names models.Names) mindsdb.Agent {
	project := p.backend.Project()
	tables := make([]string, len(Tables))
	for i, t := range Tables {
		tables[i] = names.Database + "." + t
	}
	return mindsdb.Agent{
		Name: names.Agent,
		Model: mindsdb.Model{
			Provider:  "openai",
			ModelName: p.opts.Model,
			APIKey:    p.opts.APIKey,
		},
		Data: mindsdb.AgentData{
			KnowledgeBases: []string{project + "." + names.KnowledgeBase},
			Tables:         tables,
		},
		PromptTemplate: promptTemplate(id, project, names),
	}
}

func promptTemplate(id, project string, names models.Names) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are Askora, an assistant analyzing the GitHub repository %q.\n", id)
	sb.WriteString("You can use:\n\n")
	fmt.Fprintf(&sb, "- %s.%s: Repository codebase and documentation\n", project, names.KnowledgeBase)
	for _, t := range Tables {
		fmt.Fprintf(&sb, "- %s.%s: %s\n", names.Database, t, tableDescriptions[t])
	}
	sb.WriteString("\nAnswer questions concisely and accurately in markdown.\n")
	return sb.String()
}

// cleanup issues one drop per resource, agent first. It runs on a fresh
// context so a cancelled request still gets its resources released.
func (p *Provisioner) cleanup(names models.Names) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, drop := range []struct {
		resource string
		query    string
	}{
		{"agent", "DROP AGENT " + names.Agent + ";"},
		{"knowledge_base", "DROP KNOWLEDGE_BASE " + names.KnowledgeBase + ";"},
		{"database", "DROP DATABASE " + names.Database + ";"},
	} {
		if err := p.backend.SQL(ctx, drop.query); err != nil {
			log.Printf("cleanup %s: %v", drop.resource, err)
			if p.recorder != nil {
				p.recorder.IncCleanupError(drop.resource)
			}
		}
	}
}

func (p *Provisioner) record(ctx context.Context, result models.Provisioning, err error, d time.Duration) {
	status, stage := "provisioned", ""
	var errMsg *string
	switch {
	case err != nil:
		status = "failed"
		stage = StageOf(err)
		msg := err.Error()
		errMsg = &msg
	case result.Reused:
		status = "reused"
	}

	if p.recorder != nil {
		p.recorder.ObserveIngest(status, stage, d)
	}
	if p.history == nil {
		return
	}
	if _, herr := p.history.RecordIngestion(context.WithoutCancel(ctx), models.Ingestion{
		Repository: result.Repository,
		Names:      result.Names,
		Status:     status,
		Error:      errMsg,
		Duration:   d,
	}); herr != nil {
		log.Printf("recording ingestion of %s: %v", result.Repository, herr)
	}
}

func (p *Provisioner) lock(id string) *sync.Mutex {
	v, _ := p.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu
}

func tolerateExisting(err error) error {
	if err != nil && mindsdb.IsAlreadyExists(err) {
		return nil
	}
	return err
}
