package ingest

import (
	"errors"
	"fmt"

	"github.com/askora/askora/internal/mindsdb"
)

const (
	StageCreateDatabase      = "create_database"
	StageCreateKnowledgeBase = "create_knowledge_base"
	StageInsertKnowledgeBase = "insert_knowledge_base"
	StageCreateAgent         = "create_agent"
)

var stageDescriptions = map[string]string{
	StageCreateDatabase:      "create GitHub database",
	StageCreateKnowledgeBase: "create knowledge base",
	StageInsertKnowledgeBase: "insert data into knowledge base",
	StageCreateAgent:         "create agent",
}

// StageError is a provisioning failure at one step.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	desc := stageDescriptions[e.Stage]
	if desc == "" {
		desc = e.Stage
	}
	var apiErr *mindsdb.APIError
	if errors.As(e.Err, &apiErr) {
		return fmt.Sprintf("Failed to %s: %s", desc, apiErr.Body)
	}
	return fmt.Sprintf("Failed to %s: %v", desc, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the failing stage of err, or "" when err is not a StageError.
func StageOf(err error) string {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}
