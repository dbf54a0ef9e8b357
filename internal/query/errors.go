package query

import (
	"errors"
	"fmt"
)

// Kind classifies a failed agent query.
type Kind int8

const (
	// KindNotFound means the agent does not exist; the repository must be ingested.
	KindNotFound Kind = iota
	// KindTransient is an upstream 5xx, retried automatically.
	KindTransient
	// KindUnreachable means MindsDB could not be reached at all.
	KindUnreachable
	// KindTimeout means an attempt hit its deadline or the request was cancelled.
	KindTimeout
	// KindExhausted means every attempt came back without a usable answer.
	KindExhausted
	// KindAgent carries an explicit error reported by the agent, retried automatically.
	KindAgent
	// KindUpstream is any other non-2xx response, retried automatically.
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindExhausted:
		return "exhausted"
	case KindAgent:
		return "agent"
	case KindUpstream:
		return "upstream"
	default:
		return "invalid"
	}
}

const exhaustedMessage = "The agent could not provide an answer. This might happen if:\n" +
	"• The knowledge base is still being processed\n" +
	"• The repository content hasn't been fully indexed\n\n" +
	"Please wait a few minutes and try again, or re-ingest the repository."

// Error is a classified query failure. Its message is meant for the end user.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// retryable reports whether another attempt may succeed. Missing agents,
// timeouts and connection failures will not improve by resending.
func (e *Error) retryable() bool {
	switch e.Kind {
	case KindTransient, KindAgent, KindUpstream:
		return true
	default:
		return false
	}
}

// Is reports whether err is a query error of the given kind.
func Is(err error, kind Kind) bool {
	var qErr *Error
	return errors.As(err, &qErr) && qErr.Kind == kind
}

// KindOf returns the kind of err and whether it was classified at all.
func KindOf(err error) (Kind, bool) {
	var qErr *Error
	if errors.As(err, &qErr) {
		return qErr.Kind, true
	}
	return 0, false
}

func notFoundError(agent string, cause error) *Error {
	return &Error{
		Kind:       KindNotFound,
		StatusCode: 404,
		Err:        cause,
		Message:    fmt.Sprintf("Agent '%s' does not exist. Please ingest the repository first to create the agent.", agent),
	}
}

func transientError(status int, cause error) *Error {
	return &Error{
		Kind:       KindTransient,
		StatusCode: status,
		Err:        cause,
		Message:    "Agent encountered an error. This may happen if the knowledge base is still processing. Please try again in a moment.",
	}
}

func unreachableError(cause error) *Error {
	return &Error{
		Kind:    KindUnreachable,
		Err:     cause,
		Message: "Cannot connect to MindsDB server. Please ensure MindsDB is running.",
	}
}

func timeoutError(seconds int, cause error) *Error {
	return &Error{
		Kind:    KindTimeout,
		Err:     cause,
		Message: fmt.Sprintf("Request timed out after %d seconds. The agent may be processing a complex query. Please try again or ask a narrower question.", seconds),
	}
}

func exhaustedError(attempts int) *Error {
	return &Error{
		Kind:    KindExhausted,
		Err:     fmt.Errorf("no answer after %d attempts", attempts),
		Message: exhaustedMessage,
	}
}

func agentError(msg string) *Error {
	return &Error{
		Kind:    KindAgent,
		Message: "Agent error: " + msg,
	}
}

func upstreamError(status int, body string, cause error) *Error {
	return &Error{
		Kind:       KindUpstream,
		StatusCode: status,
		Err:        cause,
		Message:    fmt.Sprintf("Failed to query agent (%d): %s", status, body),
	}
}
