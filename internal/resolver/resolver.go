// Package resolver turns a visitor message into a reply, either through a
// remote automation webhook or a local keyword table.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/folio/internal/domain"
)

// ErrResolutionFailed is returned when the webhook errored, answered with a
// non-success status, or sent a body that could not be parsed.
var ErrResolutionFailed = errors.New("resolution failed")

// PlaceholderEndpoint is the unconfigured webhook value shipped in page
// templates. It is treated the same as an empty endpoint.
const PlaceholderEndpoint = "YOUR_N8N_WEBHOOK_URL_HERE"

// Mode names how a resolver produces replies.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Request is a single message to resolve.
type Request struct {
	Message string
	Client  domain.ClientContext
	At      time.Time
}

// Resolver produces a reply for a visitor message. Implementations may block
// on network I/O and must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (string, error)
	Mode() Mode
}

// Config is fixed once a resolver is built.
type Config struct {
	// Endpoint is the webhook URL. Nil selects local mode.
	Endpoint *url.URL
	// Catalog supplies local replies. Defaults to DefaultCatalog.
	Catalog *Catalog
	// Chooser picks default replies in local mode. Defaults to Uniform.
	Chooser Chooser
	// HTTPClient is used in remote mode. Defaults to a client with Timeout.
	HTTPClient *http.Client
	// Timeout bounds a webhook call. Zero leaves it to the transport.
	Timeout time.Duration
}

// ParseEndpoint validates a raw webhook URL. Empty input and the template
// placeholder return a nil URL without error.
func ParseEndpoint(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == PlaceholderEndpoint {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("webhook url has no host")
	}
	return u, nil
}

// New builds a resolver for cfg: remote when an endpoint is set, local
// otherwise.
func New(cfg Config) Resolver {
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if cfg.Endpoint == nil {
		return NewLocal(catalog, cfg.Chooser)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return NewWebhook(cfg.Endpoint, client, catalog.Fallback)
}
