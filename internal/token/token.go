// Package token mints and caches ephemeral credentials that let browser
// clients dial the live endpoint directly, without ever seeing the API key.
//
// Credentials are minted through the REST authTokens call and constrained to
// one model with session resumption enabled. A single-slot cache hands out
// the same credential for as long as it can still open new sessions, so a
// fleet of tabs hitting the endpoint costs one mint per window.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/upstream/gemini"
)

const (
	defaultBaseURL          = "https://generativelanguage.googleapis.com"
	defaultTTL              = 30 * time.Minute
	defaultNewSessionWindow = 5 * time.Minute
	defaultUses             = 10
)

// Token is one minted ephemeral credential.
type Token struct {
	// Name is the opaque credential clients present when dialing the live
	// endpoint in place of an API key.
	Name string

	// ExpiresAt is when sessions running on the credential are cut off.
	ExpiresAt time.Time

	// NewSessionExpiresAt is when the credential stops opening new
	// sessions. The cache hands out the same credential until then.
	NewSessionExpiresAt time.Time
}

// Option is a functional option for configuring a Service.
type Option func(*Service)

// WithModel sets the model minted credentials are constrained to.
func WithModel(model string) Option {
	return func(s *Service) { s.model = model }
}

// WithBaseURL overrides the endpoint base URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(s *Service) { s.baseURL = url }
}

// WithTTL sets how long minted credentials stay usable.
func WithTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = d }
}

// WithNewSessionWindow sets how long a credential may open new sessions,
// which is also how long the cache serves it.
func WithNewSessionWindow(d time.Duration) Option {
	return func(s *Service) { s.window = d }
}

// WithUses sets how many sessions one credential may start.
func WithUses(n int) Option {
	return func(s *Service) { s.uses = n }
}

// WithHTTPClient replaces the HTTP client used for minting.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithIssueObserver registers a callback invoked after every successful
// Issue; cached reports whether the credential came from the cache.
// Typically used to feed metrics. The callback must not block.
func WithIssueObserver(f func(cached bool)) Option {
	return func(s *Service) { s.onIssue = f }
}

// Service mints credentials and keeps the freshest one in a single-slot
// cache. Safe for concurrent use; concurrent callers needing a fresh
// credential coalesce on one mint.
type Service struct {
	apiKey  string
	model   string
	baseURL string
	ttl     time.Duration
	window  time.Duration
	uses    int
	client  *http.Client
	onIssue func(cached bool)

	mu     sync.Mutex
	cached *Token
}

// New creates a Service minting credentials with apiKey.
func New(apiKey string, opts ...Option) *Service {
	s := &Service{
		apiKey:  apiKey,
		model:   gemini.DefaultModel,
		baseURL: defaultBaseURL,
		ttl:     defaultTTL,
		window:  defaultNewSessionWindow,
		uses:    defaultUses,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue returns a credential that can still open new sessions, minting one
// only when the cached credential's new-session window has closed. cached
// reports a cache hit.
func (s *Service) Issue(ctx context.Context) (tok Token, cached bool, err error) {
	s.mu.Lock()
	if s.cached != nil && time.Now().Before(s.cached.NewSessionExpiresAt) {
		tok = *s.cached
		s.mu.Unlock()
		s.notify(true)
		return tok, true, nil
	}
	tok, err = s.mint(ctx)
	if err != nil {
		s.mu.Unlock()
		return Token{}, false, err
	}
	s.cached = &tok
	s.mu.Unlock()
	s.notify(false)
	return tok, false, nil
}

func (s *Service) notify(cached bool) {
	if s.onIssue != nil {
		s.onIssue(cached)
	}
}

type mintRequest struct {
	Uses                   int                    `json:"uses"`
	ExpireTime             string                 `json:"expireTime"`
	NewSessionExpireTime   string                 `json:"newSessionExpireTime"`
	LiveConnectConstraints liveConnectConstraints `json:"liveConnectConstraints"`
}

type liveConnectConstraints struct {
	Model  string            `json:"model"`
	Config liveConnectConfig `json:"config"`
}

type liveConnectConfig struct {
	// SessionResumption is always present so minted sessions can hand out
	// resumption tokens.
	SessionResumption struct{} `json:"sessionResumption"`
}

// mint calls the authTokens endpoint. Callers hold s.mu.
func (s *Service) mint(ctx context.Context) (Token, error) {
	now := time.Now().UTC()
	tok := Token{
		ExpiresAt:           now.Add(s.ttl),
		NewSessionExpiresAt: now.Add(s.window),
	}

	payload, err := json.Marshal(mintRequest{
		Uses:                 s.uses,
		ExpireTime:           tok.ExpiresAt.Format(time.RFC3339),
		NewSessionExpireTime: tok.NewSessionExpiresAt.Format(time.RFC3339),
		LiveConnectConstraints: liveConnectConstraints{
			Model: s.model,
		},
	})
	if err != nil {
		return Token{}, fmt.Errorf("token: encode mint request: %w", err)
	}

	url := fmt.Sprintf("%s/v1alpha/authTokens?key=%s", s.baseURL, s.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Token{}, fmt.Errorf("token: build mint request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token: mint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Token{}, fmt.Errorf("token: mint status %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	var out struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Token{}, fmt.Errorf("token: decode mint response: %w", err)
	}
	if out.Name == "" {
		return Token{}, fmt.Errorf("token: mint response carried no credential name")
	}
	tok.Name = out.Name
	return tok, nil
}

type issueResponse struct {
	Token               string    `json:"token"`
	ExpiresAt           time.Time `json:"expiresAt"`
	NewSessionExpiresAt time.Time `json:"newSessionExpiresAt"`
	Cached              bool      `json:"cached"`
}

// Handler serves the token endpoint. POST mints or reuses a credential;
// other methods are rejected. Mint failures surface as a plain 500 so the
// API key never leaks into client-visible errors.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tok, cached, err := s.Issue(r.Context())
		if err != nil {
			slog.Error("token mint failed", "error", err)
			http.Error(w, "failed to generate token", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(issueResponse{
			Token:               tok.Name,
			ExpiresAt:           tok.ExpiresAt,
			NewSessionExpiresAt: tok.NewSessionExpiresAt,
			Cached:              cached,
		}); err != nil {
			slog.Debug("token response write failed", "error", err)
		}
	})
}
