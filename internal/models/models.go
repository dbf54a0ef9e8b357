package models

import "time"

// Names are the MindsDB resources derived from one repository identifier.
type Names struct {
	KnowledgeBase string
	Database      string
	Agent         string
}

// Provisioning is the handle returned by a successful ingestion.
type Provisioning struct {
	Repository string
	Names
	// Reused is set when the agent already existed and nothing was created.
	Reused bool
}

// Ingestion is one recorded ingestion attempt.
type Ingestion struct {
	ID         int64
	Repository string
	Names
	Status     string // "provisioned", "reused", "failed"
	Error      *string
	Duration   time.Duration
	CreatedAt  time.Time
}

// Exchange is one completed question/answer turn.
type Exchange struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type Message struct {
	ID        string
	Role      string // "user", "assistant"
	Content   string
	Timestamp time.Time
}
