// Package primary is the secondary's HTTP client for the primary node.
//
// Every request carries a short-lived token signed with the shared secret.
// A 401 or 403 answer means the secret or clock is wrong; it is reported as
// an UNAUTHORIZED transport error and must not be retried blindly.
package primary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/roach88/replicant/internal/cache"
	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/reposync"
)

// API paths served by the primary.
const (
	retrievePath     = "/api/v4/geo/retrieve"
	statusPath       = "/api/v4/geo/status"
	repositoriesPath = "/api/v4/geo/repositories"
	proxyInfoRefs    = "/api/v4/geo/proxy_git_ssh/info_refs"
	proxyPush        = "/api/v4/geo/proxy_git_ssh/push"
	gitPath          = "/-/geo/git"
)

// StatusScope is the token scope of status pushes.
const StatusScope = "status"

var (
	// ErrUnauthorized is wrapped by errors for 401 and 403 responses.
	ErrUnauthorized = errors.New("primary rejected credentials")

	// ErrNotFound is wrapped by errors for 404 responses.
	ErrNotFound = errors.New("not found on primary")
)

// RepositoryInfo describes the primary's copy of a repository.
type RepositoryInfo struct {
	Exists        bool   `json:"exists"`
	DefaultBranch string `json:"default_branch"`
}

// Status is the health report a secondary pushes.
type Status struct {
	Node        string                                    `json:"node"`
	Cursor      int64                                     `json:"cursor"`
	LastEventID int64                                     `json:"last_event_id"`
	Registries  map[registry.Type]map[registry.Status]int `json:"registries"`
	Totals      map[string]float64                        `json:"totals,omitempty"`
	ReportedAt  time.Time                                 `json:"reported_at"`
}

// Client talks to one primary.
//
// Thread-safety: Client is safe for concurrent use.
type Client struct {
	base     *url.URL
	node     string
	secret   []byte
	http     *http.Client
	cache    *cache.Cache
	tokenTTL time.Duration
	now      func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// WithCache caches repository info answers.
func WithCache(cc *cache.Cache) Option {
	return func(c *Client) {
		c.cache = cc
	}
}

// WithClock replaces time.Now for token issue times.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a Client for the primary at baseURL, identifying as node.
func NewClient(baseURL, node string, secret []byte, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse primary url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("primary url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:     u,
		node:     node,
		secret:   secret,
		http:     http.DefaultClient,
		tokenTTL: DefaultTokenTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Node returns the name the client signs as.
func (c *Client) Node() string {
	return c.node
}

// CloneURL returns the URL a secondary fetches key's repository from.
func (c *Client) CloneURL(key registry.Key) string {
	return c.endpoint(path.Join(gitPath, string(key.Type), strconv.FormatInt(key.ID, 10)+".git"), nil)
}

// Credentials returns basic auth for git over HTTP: the node name and a
// token scoped to key.
func (c *Client) Credentials(key registry.Key) (username, password string, err error) {
	tok, err := SignToken(c.secret, c.node, key.String(), c.now(), c.tokenTTL)
	if err != nil {
		return "", "", err
	}
	return c.node, tok, nil
}

// DownloadFile streams the file behind key into w.
func (c *Client) DownloadFile(ctx context.Context, key registry.Key, w io.Writer) (int64, error) {
	p := path.Join(retrievePath, string(key.Type), strconv.FormatInt(key.ID, 10))
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(p, nil), key.String(), nil, "")
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", key, err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", key, reposync.NewTransportError(reposync.CodeTransient, err))
	}
	return n, nil
}

// PushStatus reports s to the primary.
func (c *Client) PushStatus(ctx context.Context, s Status) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.endpoint(statusPath, nil), StatusScope, bytes.NewReader(body), "application/json")
	if err != nil {
		return fmt.Errorf("push status: %w", err)
	}
	resp.Body.Close()
	return nil
}

// RepositoryInfo asks the primary about key's repository. A 404 means the
// repository does not exist there and is not an error.
func (c *Client) RepositoryInfo(ctx context.Context, key registry.Key) (RepositoryInfo, error) {
	if c.cache != nil {
		if v, ok := c.cache.Get(key, "repository_info"); ok {
			return v.(RepositoryInfo), nil
		}
	}

	p := path.Join(repositoriesPath, string(key.Type), strconv.FormatInt(key.ID, 10))
	var info RepositoryInfo
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(p, nil), key.String(), nil, "")
	switch {
	case errors.Is(err, ErrNotFound):
		info = RepositoryInfo{Exists: false}
	case err != nil:
		return RepositoryInfo{}, fmt.Errorf("repository info %s: %w", key, err)
	default:
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return RepositoryInfo{}, fmt.Errorf("repository info %s: decode: %w", key, err)
		}
	}

	if c.cache != nil {
		c.cache.Set(key, "repository_info", info)
	}
	return info, nil
}

// RepositoryExists implements reposync.Primary.
func (c *Client) RepositoryExists(ctx context.Context, key registry.Key) (bool, error) {
	info, err := c.RepositoryInfo(ctx, key)
	if err != nil {
		return false, err
	}
	return info.Exists, nil
}

// DefaultBranch implements reposync.Primary.
func (c *Client) DefaultBranch(ctx context.Context, key registry.Key) (string, error) {
	info, err := c.RepositoryInfo(ctx, key)
	if err != nil {
		return "", err
	}
	if !info.Exists {
		return "", reposync.NewTransportError(reposync.CodeNotFound, fmt.Errorf("default branch %s: %w", key, ErrNotFound))
	}
	return info.DefaultBranch, nil
}

// ProxyInfoRefs forwards a git info/refs request for a push received by the
// secondary and copies the primary's advertisement into w.
func (c *Client) ProxyInfoRefs(ctx context.Context, key registry.Key, w io.Writer) error {
	q := url.Values{"replicable": {key.String()}}
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(proxyInfoRefs, q), key.String(), nil, "")
	if err != nil {
		return fmt.Errorf("proxy info_refs %s: %w", key, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("proxy info_refs %s: %w", key, err)
	}
	return nil
}

// ProxyPush forwards a git receive-pack body to the primary and copies the
// primary's response into w.
func (c *Client) ProxyPush(ctx context.Context, key registry.Key, body io.Reader, w io.Writer) error {
	q := url.Values{"replicable": {key.String()}}
	resp, err := c.do(ctx, http.MethodPost, c.endpoint(proxyPush, q), key.String(), body, "application/x-git-receive-pack-request")
	if err != nil {
		return fmt.Errorf("proxy push %s: %w", key, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("proxy push %s: %w", key, err)
	}
	return nil
}

func (c *Client) endpoint(p string, q url.Values) string {
	u := *c.base
	u.Path = path.Join(u.Path, p)
	u.RawQuery = q.Encode()
	return u.String()
}

// do sends a signed request. Non-2xx responses are closed and returned as
// classified errors.
func (c *Client) do(ctx context.Context, method, target, scope string, body io.Reader, contentType string) (*http.Response, error) {
	tok, err := SignToken(c.secret, c.node, scope, c.now(), c.tokenTTL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", AuthScheme+" "+tok)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, reposync.NewTransportError(reposync.CodeTransient, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, reposync.NewTransportError(reposync.CodeUnauthorized,
			fmt.Errorf("%w: %s %s", ErrUnauthorized, resp.Status, msg))
	case http.StatusNotFound:
		return nil, reposync.NewTransportError(reposync.CodeNotFound,
			fmt.Errorf("%w: %s", ErrNotFound, target))
	default:
		return nil, reposync.NewTransportError(reposync.CodeTransient,
			fmt.Errorf("%s %s: %s %s", method, target, resp.Status, msg))
	}
}
