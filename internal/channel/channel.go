// Package channel moves files between the agent and a partner's drop site.
//
// Every operation opens its own session and releases it before returning.
// Nothing is retried here; the caller's schedule is the retry policy.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeTransport = "REMOTE_TRANSPORT"
	TextCodeNotFound  = "REMOTE_NOT_FOUND"

	defaultTimeout = 30 * time.Second
)

var (
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrNotFound        = errors.New("remote file not found")
)

type Channel interface {
	// Exists reports whether a regular file called name is present. Names
	// compare case-insensitively.
	Exists(ctx context.Context, name string) (bool, error)
	// Download writes the remote file into localPath, replacing it.
	Download(ctx context.Context, name, localPath string) error
	// Upload stores localPath under name. A nil error means the remote side
	// confirmed the transfer.
	Upload(ctx context.Context, name, localPath string) error
	// Delete removes name and reports false when it did not exist.
	Delete(ctx context.Context, name string) (bool, error)
}

type Endpoint struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// Open builds the channel for endpoint from its URL scheme: ftp://host[:port]/dir,
// s3://host[:port]/bucket[/prefix] or file:///path.
func Open(endpoint Endpoint) (Channel, error) {
	raw := strings.TrimSpace(endpoint.URL)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidEndpoint)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	timeout := endpoint.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ftp":
		return newFTPChannel(parsed, endpoint.Username, endpoint.Password, timeout)
	case "s3":
		return newS3Channel(parsed, endpoint.Username, endpoint.Password, timeout)
	case "file", "dir":
		root := parsed.Path
		if root == "" {
			root = parsed.Opaque
		}
		return NewDirChannel(root)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, parsed.Scheme)
	}
}

// IsNotFound reports whether err means the requested remote file is absent.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == TextCodeNotFound
	}
	return false
}

func transportError(endpoint, op, name string, err error) error {
	if err == nil {
		return nil
	}
	category := goerrors.CategoryOperation
	textCode := TextCodeTransport
	if errors.Is(err, ErrNotFound) {
		category = goerrors.CategoryNotFound
		textCode = TextCodeNotFound
	}
	return goerrors.Wrap(err, category, fmt.Sprintf("%s %s on %s: %v", op, name, endpoint, err)).
		WithTextCode(textCode).
		WithMetadata(map[string]any{
			"endpoint": endpoint,
			"op":       op,
			"file":     name,
		})
}
