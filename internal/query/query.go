// Package query asks a repository's MindsDB agent a question, retrying empty
// or failed completions with exponential backoff. Missing agents, timeouts and
// unreachable servers fail on the first attempt.
package query

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/askora/askora/internal/config"
	"github.com/askora/askora/internal/mindsdb"
	"github.com/askora/askora/internal/models"
	"github.com/askora/askora/internal/repo"

	"github.com/tidwall/gjson"
)

var ErrEmptyQuestion = errors.New("query is required")

// answerPaths are tried in order against the completion body; the first
// non-empty string wins. MindsDB versions disagree on where the answer lives.
var answerPaths = []string{
	"answer",
	"message.content",
	"content",
}

type Backend interface {
	Completion(ctx context.Context, agent string, messages any) ([]byte, error)
}

// Recorder receives query metrics. It may be nil.
type Recorder interface {
	IncQueryAttempt()
	ObserveQuery(outcome string, d time.Duration)
}

type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	HistoryLimit   int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Timeout:        cfg.Query.Timeout,
		MaxRetries:     cfg.Query.MaxRetries,
		InitialBackoff: cfg.Query.InitialBackoff,
		HistoryLimit:   cfg.Query.HistoryLimit,
	}
}

type Agent struct {
	backend  Backend
	recorder Recorder
	opts     Options
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(backend Backend, recorder Recorder, opts Options) *Agent {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 5
	}
	return &Agent{
		backend:  backend,
		recorder: recorder,
		opts:     opts,
		sleep:    sleepContext,
	}
}

// Ask sends question plus the most recent history to the repository's agent.
// Returned errors are either validation errors or *Error with a user-facing message.
func (a *Agent) Ask(ctx context.Context, id, question string, history []models.Exchange) (string, error) {
	id, err := repo.Validate(id)
	if err != nil {
		return "", err
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	start := time.Now()
	answer, err := a.ask(ctx, repo.NamesFor(id).Agent, question, history)
	if a.recorder != nil {
		outcome := "ok"
		if kind, ok := KindOf(err); ok {
			outcome = kind.String()
		} else if err != nil {
			outcome = "error"
		}
		a.recorder.ObserveQuery(outcome, time.Since(start))
	}
	return answer, err
}

func (a *Agent) ask(ctx context.Context, agent, question string, history []models.Exchange) (string, error) {
	messages := Messages(history, question, a.opts.HistoryLimit)

	var lastErr *Error
	for attempt := 1; attempt <= a.opts.MaxRetries; attempt++ {
		answer, err := a.attempt(ctx, agent, messages)
		if err == nil {
			return answer, nil
		}
		if !errors.Is(err, errEmptyAnswer) {
			var qErr *Error
			if !errors.As(err, &qErr) || !qErr.retryable() {
				return "", err
			}
			lastErr = qErr
		} else {
			lastErr = nil
		}

		if attempt == a.opts.MaxRetries {
			break
		}
		delay := a.backoff(attempt)
		log.Printf("agent %s attempt %d/%d: %v, retrying in %v", agent, attempt, a.opts.MaxRetries, err, delay)
		if err := a.sleep(ctx, delay); err != nil {
			return "", timeoutError(int(a.opts.Timeout.Seconds()), err)
		}
	}

	if lastErr != nil {
		return "", lastErr
	}
	return "", exhaustedError(a.opts.MaxRetries)
}

var errEmptyAnswer = errors.New("empty answer")

func (a *Agent) attempt(ctx context.Context, agent string, messages []models.Exchange) (string, error) {
	if a.recorder != nil {
		a.recorder.IncQueryAttempt()
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	body, err := a.backend.Completion(ctx, agent, messages)
	if err != nil {
		return "", a.classify(ctx, agent, err)
	}

	answer, upstreamErr := ExtractAnswer(body)
	if answer != "" {
		return answer, nil
	}
	if upstreamErr != "" {
		return "", agentError(upstreamErr)
	}
	return "", errEmptyAnswer
}

func (a *Agent) classify(ctx context.Context, agent string, err error) error {
	var apiErr *mindsdb.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 404:
			return notFoundError(agent, err)
		case apiErr.StatusCode >= 500:
			return transientError(apiErr.StatusCode, err)
		default:
			return upstreamError(apiErr.StatusCode, apiErr.Body, err)
		}
	}

	var netErr net.Error
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return timeoutError(int(a.opts.Timeout.Seconds()), err)
	}
	return unreachableError(err)
}

// backoff returns the wait after the given 1-based attempt: 1x, 2x, 4x the initial delay.
func (a *Agent) backoff(attempt int) time.Duration {
	return a.opts.InitialBackoff << (attempt - 1)
}

// Messages builds the completion payload: the most recent limit exchanges
// followed by the pending question with an empty answer.
func Messages(history []models.Exchange, question string, limit int) []models.Exchange {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	messages := make([]models.Exchange, 0, len(history)+1)
	messages = append(messages, history...)
	return append(messages, models.Exchange{Question: question, Answer: ""})
}

// ExtractAnswer applies answerPaths to a completion body. When no rule
// matches it returns the upstream "error" field, if any.
func ExtractAnswer(body []byte) (answer, upstreamErr string) {
	if !gjson.ValidBytes(body) {
		return "", ""
	}
	for _, path := range answerPaths {
		r := gjson.GetBytes(body, path)
		if r.Type != gjson.String {
			continue
		}
		if s := strings.TrimSpace(r.String()); s != "" {
			return s, ""
		}
	}
	if e := gjson.GetBytes(body, "error"); e.Exists() && e.Type != gjson.Null {
		return "", strings.TrimSpace(e.String())
	}
	return "", ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting to retry: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
