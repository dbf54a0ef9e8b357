package repo

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/askora/askora/internal/models"
)

var ErrInvalidIdentifier = errors.New("invalid repository format, expected owner/repo")

var (
	identifierPattern = regexp.MustCompile(`^[^/]+/[^/]+$`)
	urlPathPattern    = regexp.MustCompile(`^/([^/]+/[^/]+?)(?:\.git)?(?:/|$)`)
	unsafeChars       = regexp.MustCompile(`[^a-zA-Z0-9_]`)
)

// Validate checks the strict owner/name shape and returns the normalized identifier.
func Validate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !identifierPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	return strings.ToLower(s), nil
}

// Parse accepts either owner/name or a github.com URL pointing into a repository.
func Parse(s string) (string, error) {
	s = strings.TrimSpace(s)
	if u, err := url.Parse(s); err == nil && (u.Host == "github.com" || u.Host == "www.github.com") {
		m := urlPathPattern.FindStringSubmatch(u.Path)
		if m == nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
		}
		return strings.ToLower(m[1]), nil
	}
	return Validate(s)
}

// IsDemo reports whether s selects the offline demo walkthrough.
func IsDemo(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "demo" || s == "testing"
}

// NamesFor derives the knowledge base, database and agent names for a repository.
// The identifier is lower-cased here as well, so callers that skipped Validate
// still resolve to the same resources.
func NamesFor(id string) models.Names {
	slug := unsafeChars.ReplaceAllString(strings.ToLower(id), "_")
	return models.Names{
		KnowledgeBase: "kb_" + slug,
		Database:      "github_" + slug,
		Agent:         "agent_" + slug,
	}
}

// URL returns the public GitHub URL crawled into the knowledge base.
func URL(id string) string {
	return "https://github.com/" + id
}

// Split returns the owner and name parts of a validated identifier.
func Split(id string) (owner, name string) {
	owner, name, _ = strings.Cut(id, "/")
	return owner, name
}
