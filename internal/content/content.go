package content

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"parley/internal/models"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

const (
	MaxTextLength = 4000
	maxIDLength   = 128
)

var (
	policy  = bluemonday.UGCPolicy()
	idRegex = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts markdown text into HTML safe to display in a client.
func Render(text string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return strings.TrimSpace(policy.Sanitize(buf.String())), nil
}

// Validate checks that a message payload is well formed for its type:
// text needs a non-empty body, image and file need a reference URL.
func Validate(c models.Content) error {
	switch c.Type {
	case models.ContentTypeText:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: text message without body", models.ErrValidation)
		}
		if utf8.RuneCountInString(c.Text) > MaxTextLength {
			return fmt.Errorf("%w: text longer than %d characters", models.ErrValidation, MaxTextLength)
		}
		if c.URL != "" {
			return fmt.Errorf("%w: text message with file reference", models.ErrValidation)
		}
	case models.ContentTypeImage, models.ContentTypeFile:
		if c.URL == "" {
			return fmt.Errorf("%w: %s message without url", models.ErrValidation, c.Type)
		}
		u, err := url.Parse(c.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s url is not absolute", models.ErrValidation, c.Type)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: unsupported url scheme %q", models.ErrValidation, u.Scheme)
		}
	default:
		return fmt.Errorf("%w: unknown content type %q", models.ErrValidation, c.Type)
	}
	return nil
}

// Normalize returns a copy of c with fields irrelevant to its type dropped
// and the display name sanitized.
func Normalize(c models.Content) models.Content {
	switch c.Type {
	case models.ContentTypeText:
		return models.Content{Type: c.Type, Text: c.Text}
	default:
		return models.Content{Type: c.Type, URL: c.URL, Name: Sanitize(c.Name)}
	}
}

// ValidateID checks identifiers received from clients (user, community
// and message ids).
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s cannot be empty", models.ErrValidation, kind)
	}
	if len(id) > maxIDLength || !idRegex.MatchString(id) {
		return fmt.Errorf("%w: %s contains invalid characters", models.ErrValidation, kind)
	}
	return nil
}
