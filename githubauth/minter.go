package githubauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lilac "github.com/lilac-dev/lilac"
)

const (
	// validityMargin is the minimum remaining lifetime for a cache hit.
	// GitHub installation tokens live an hour; refreshing a minute early
	// keeps in-flight API calls from racing expiry.
	validityMargin = 60 * time.Second

	// App JWT window: issued-at is backdated to absorb clock skew, expiry
	// stays inside GitHub's 10 minute maximum.
	jwtBackdate = 60 * time.Second
	jwtLifetime = 9 * time.Minute
)

// Token is a minted installation token with its provenance.
type Token struct {
	Token       string
	ExpiresAt   time.Time
	APIBaseURL  string
	Host        string
	Fingerprint string
}

// mintCall is the shared pending future: the winning caller performs the
// exchange, everyone else waits on done.
type mintCall struct {
	done chan struct{}
	tok  *Token
	err  error
}

// Option configures a Minter.
type Option func(*Minter)

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Minter) { m.httpClient = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Minter) { m.logger = l }
}

// WithMintHook registers fn to run after each successful token exchange.
// Observability wiring; fn must not block.
func WithMintHook(fn func()) Option {
	return func(m *Minter) { m.onMint = fn }
}

// Minter lazily exchanges App credentials for installation tokens. At most
// one mint is in flight per process; concurrent callers share it.
type Minter struct {
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	onMint     func()

	mu       sync.Mutex
	cached   *Token
	inflight *mintCall
}

// NewMinter creates a Minter.
func NewMinter(opts ...Option) *Minter {
	m := &Minter{
		httpClient: http.DefaultClient,
		logger:     lilac.NopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetToken returns a valid installation token for the identity under
// configDir, minting one if the cache is empty, stale, or belongs to a
// different identity. Mint failures are not cached; the next caller retries.
func (m *Minter) GetToken(ctx context.Context, configDir string) (*Token, error) {
	id, err := LoadIdentity(configDir)
	if err != nil {
		return nil, err
	}
	fp := id.Fingerprint()

	for {
		m.mu.Lock()
		if t := m.cached; t != nil && t.Fingerprint == fp && t.APIBaseURL == id.APIBaseURL &&
			t.ExpiresAt.Sub(m.now()) > validityMargin {
			out := *t
			m.mu.Unlock()
			return &out, nil
		}
		if call := m.inflight; call != nil {
			m.mu.Unlock()
			select {
			case <-call.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if call.err != nil {
				return nil, call.err
			}
			if call.tok.Fingerprint == fp {
				out := *call.tok
				return &out, nil
			}
			// The shared mint was for a different identity; start over.
			continue
		}
		call := &mintCall{done: make(chan struct{})}
		m.inflight = call
		m.mu.Unlock()

		tok, err := m.mint(ctx, id, fp)

		m.mu.Lock()
		if err == nil {
			m.cached = tok
		}
		m.inflight = nil
		m.mu.Unlock()

		call.tok, call.err = tok, err
		close(call.done)

		if err != nil {
			return nil, err
		}
		out := *tok
		return &out, nil
	}
}

// mint performs the App JWT → installation token exchange.
func (m *Minter) mint(ctx context.Context, id *Identity, fp string) (*Token, error) {
	appJWT, err := m.appJWT(id)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens",
		strings.TrimRight(id.APIBaseURL, "/"), id.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("githubauth: build mint request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("githubauth: mint installation token: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("githubauth: read mint response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &lilac.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("githubauth: decode mint response: %w", err)
	}
	if payload.Token == "" {
		return nil, fmt.Errorf("githubauth: mint response has no token")
	}
	expiresAt, err := time.Parse(time.RFC3339, payload.ExpiresAt)
	if err != nil {
		// A token whose lifetime we cannot bound is unusable.
		return nil, fmt.Errorf("githubauth: mint response expires_at %q: %w", payload.ExpiresAt, err)
	}

	m.logger.Info("minted installation token",
		"installation_id", id.InstallationID, "expires_at", expiresAt)
	if m.onMint != nil {
		m.onMint()
	}
	return &Token{
		Token:       payload.Token,
		ExpiresAt:   expiresAt,
		APIBaseURL:  id.APIBaseURL,
		Host:        id.Host,
		Fingerprint: fp,
	}, nil
}

// appJWT signs the short-lived App JWT that authorizes the mint itself.
func (m *Minter) appJWT(id *Identity) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(id.pem)
	if err != nil {
		return "", &lilac.ErrConfig{Component: "githubauth", Message: fmt.Sprintf("parse private key: %v", err)}
	}
	now := m.now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(id.AppID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-jwtBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("githubauth: sign app jwt: %w", err)
	}
	return signed, nil
}
