// Package chat holds per-session conversation state. Sessions live in memory
// only; a process restart starts every conversation over.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/askora/askora/internal/models"
	"github.com/askora/askora/internal/query"

	"github.com/google/uuid"
)

const WelcomeID = "welcome"

const Apology = "I'm sorry, I encountered an error while processing your request. Please try again."

var (
	ErrEmpty = errors.New("message is empty")
	ErrBusy  = errors.New("a message is already being answered")
)

// Asker answers a question about a repository given prior exchanges.
type Asker interface {
	Ask(ctx context.Context, repository, question string, history []models.Exchange) (string, error)
}

type Session struct {
	ID         string
	Repository string
	Demo       bool
	CreatedAt  time.Time

	mu       sync.Mutex
	messages []models.Message
	busy     bool
	lastUsed time.Time
	demoTurn int

	asker     Asker
	demoDelay time.Duration
}

func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// AddMessage appends a message with a fresh ID and the current time.
func (s *Session) AddMessage(role, content string) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(role, content)
}

func (s *Session) addLocked(role, content string) models.Message {
	m := models.Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	s.messages = append(s.messages, m)
	s.lastUsed = m.Timestamp
	return m
}

// Begin seeds the conversation with the synthetic welcome message, replacing any prior transcript.
func (s *Session) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = []models.Message{{
		ID:        WelcomeID,
		Role:      "assistant",
		Content:   welcomeMessage(s.Repository, s.Demo),
		Timestamp: time.Now(),
	}}
}

// Send records the user's message and exactly one assistant reply. It refuses
// empty content and concurrent sends; the reply is the answer, a classified
// guidance message, or the generic apology.
func (s *Session) Send(ctx context.Context, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, ErrEmpty
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return models.Message{}, ErrBusy
	}
	s.busy = true
	history := History(s.messages)
	s.addLocked("user", content)
	turn := s.demoTurn
	if s.Demo {
		s.demoTurn++
	}
	s.mu.Unlock()

	reply := s.answer(ctx, content, history, turn)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	return s.addLocked("assistant", reply), nil
}

func (s *Session) answer(ctx context.Context, content string, history []models.Exchange, turn int) string {
	if s.Demo {
		t := time.NewTimer(s.demoDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		return demoResponse(turn)
	}

	answer, err := s.asker.Ask(ctx, s.Repository, content, history)
	if err == nil {
		return answer
	}
	log.Printf("session %s: asking about %s: %v", s.ID, s.Repository, err)
	var qErr *query.Error
	if errors.As(err, &qErr) {
		return qErr.Message
	}
	return Apology
}

// History rebuilds the question/answer pairs from a transcript. The welcome
// message is skipped and messages are paired in steps of two; a pair only
// counts when a user message is followed by an assistant message, and a
// trailing unpaired message is dropped.
func History(messages []models.Message) []models.Exchange {
	filtered := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.ID != WelcomeID {
			filtered = append(filtered, m)
		}
	}

	var history []models.Exchange
	for i := 0; i+1 < len(filtered); i += 2 {
		user, assistant := filtered[i], filtered[i+1]
		if user.Role == "user" && assistant.Role == "assistant" {
			history = append(history, models.Exchange{Question: user.Content, Answer: assistant.Content})
		}
	}
	return history
}

func welcomeMessage(repository string, demo bool) string {
	capabilities := "• Code structure and architecture\n" +
		"• Functions, classes, and modules\n" +
		"• Issues and pull requests\n" +
		"• Documentation and README files\n" +
		"• Dependencies and configurations\n" +
		"• Best practices and potential improvements\n\n"

	if demo {
		return fmt.Sprintf("Hello! I'm **Askora**, your AI-powered repository analysis assistant. "+
			"You're currently in **demo mode** with the **`%s`** repository. "+
			"This is a testing environment with mock responses. I can help you understand:\n\n%s"+
			"What would you like to explore? (Note: Responses are simulated for demonstration purposes)",
			repository, capabilities)
	}
	return fmt.Sprintf("Hello! I'm **Askora**, your AI-powered repository analysis assistant. "+
		"I've successfully analyzed and ingested the **`%s`** repository. I can help you understand:\n\n%s"+
		"What would you like to explore about this repository?",
		repository, capabilities)
}

var demoResponses = []string{
	"This is a **demo repository** for testing purposes. In a real scenario, I would analyze the actual repository structure and provide insights about the codebase.",
	"In demo mode I can't read real code, but for an ingested repository I would answer from its **files**, **issues**, **pull requests** and **commits**.",
	"Try ingesting a public repository such as `owner/repo` to get answers grounded in its actual content.",
}

func demoResponse(turn int) string {
	return demoResponses[turn%len(demoResponses)]
}
