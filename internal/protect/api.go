package protect

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/uilibs/uiprotect-go/internal/state"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. The bootstrap
	// document on a loaded controller runs to a few megabytes; anything
	// beyond this is a misbehaving server.
	maxAPIResponseBytes = 32 * 1024 * 1024
)

// APIConfig holds the parameters for the controller's REST API.
type APIConfig struct {
	Host     string
	Username string
	Password string

	// VerifySSL is off for the self-signed certificates most
	// controllers ship with.
	VerifySSL bool

	// Sessions optionally persists logins across restarts.
	Sessions *state.Store
}

// APIClient talks to the controller's private REST API: login, full
// bootstrap, single-entity refresh, and device PATCH. It implements
// the EntityFetcher and DevicePatcher interfaces the core consumes.
type APIClient struct {
	httpClient *http.Client
	cfg        APIConfig
	logger     *slog.Logger

	sessMu    chan struct{} // binary semaphore so login respects ctx
	cookie    string
	csrfToken string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so session cookies never leak to
// third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 && req.URL.Host != via[0].URL.Host {
		return fmt.Errorf("redirect to different host blocked: %s -> %s", via[0].URL.Host, req.URL.Host)
	}

	return nil
}

// NewAPIClient creates a REST client for one controller. If httpClient
// is nil, a client with a 30-second timeout and same-host redirect
// policy is created.
func NewAPIClient(cfg APIConfig, httpClient *http.Client, logger *slog.Logger) *APIClient {
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if !cfg.VerifySSL {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed controller certs are the norm
		}

		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			Transport:     transport,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	c := &APIClient{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
		sessMu:     make(chan struct{}, 1),
	}

	if cfg.Sessions != nil {
		if sess, err := cfg.Sessions.GetSession(cfg.Host); err == nil && sess != nil {
			c.cookie = sess.Cookie
			c.csrfToken = sess.CSRFToken
		}
	}

	return c
}

// WebsocketURL builds the push channel URL, parameterized with the
// resume cursor when one is present.
func (c *APIClient) WebsocketURL(lastUpdateID string) string {
	u := "wss://" + c.cfg.Host + "/proxy/protect/ws/updates"
	if lastUpdateID != "" {
		u += "?lastUpdateId=" + url.QueryEscape(lastUpdateID)
	}

	return u
}

// AuthHeaders returns the headers for a push channel connect attempt,
// logging in first when no session is cached or forceReset is set.
func (c *APIClient) AuthHeaders(ctx context.Context, forceReset bool) (http.Header, error) {
	select {
	case c.sessMu <- struct{}{}:
		defer func() { <-c.sessMu }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if forceReset {
		c.clearSessionLocked()
	}

	if c.cookie == "" {
		if err := c.loginLocked(ctx); err != nil {
			return nil, err
		}
	}

	headers := http.Header{}
	headers.Set("Cookie", c.cookie)

	if c.csrfToken != "" {
		headers.Set("X-CSRF-Token", c.csrfToken)
	}

	return headers, nil
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

// loginLocked authenticates and caches the session cookie and CSRF
// token. Caller holds sessMu.
func (c *APIClient) loginLocked(ctx context.Context) error {
	payload, err := json.Marshal(loginRequest{
		Username:   c.cfg.Username,
		Password:   c.cfg.Password,
		RememberMe: true,
	})
	if err != nil {
		return fmt.Errorf("marshalling login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://"+c.cfg.Host+"/api/auth/login", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating login request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("sending login request: %w", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("login returned status %d: %s", resp.StatusCode, sanitizeResponseBody(body))
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	var cookies []string
	for _, ck := range resp.Cookies() {
		cookies = append(cookies, ck.Name+"="+ck.Value)
	}

	if len(cookies) == 0 {
		return errors.New("login response carried no session cookie")
	}

	c.cookie = strings.Join(cookies, "; ")
	c.csrfToken = resp.Header.Get("X-CSRF-Token")

	if c.cfg.Sessions != nil {
		err := c.cfg.Sessions.SetSession(c.cfg.Host, state.Session{
			Cookie:    c.cookie,
			CSRFToken: c.csrfToken,
			SavedAt:   time.Now().UnixMilli(),
		})
		if err != nil {
			c.logger.Warn("failed to persist session", slog.String("error", err.Error()))
		}
	}

	c.logger.Info("authenticated with controller", slog.String("host", c.cfg.Host))

	return nil
}

// clearSessionLocked drops the cached session. Caller holds sessMu.
func (c *APIClient) clearSessionLocked() {
	c.cookie = ""
	c.csrfToken = ""

	if c.cfg.Sessions != nil {
		if err := c.cfg.Sessions.DeleteSession(c.cfg.Host); err != nil {
			c.logger.Warn("failed to drop persisted session", slog.String("error", err.Error()))
		}
	}
}

// do sends an authenticated API request and returns the response body.
// A 401 drops the cached session so the next attempt logs in fresh.
func (c *APIClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	headers, err := c.AuthHeaders(ctx, false)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method,
		"https://"+c.cfg.Host+"/proxy/protect/api"+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", path, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		select {
		case c.sessMu <- struct{}{}:
			c.clearSessionLocked()
			<-c.sessMu
		case <-ctx.Done():
		}

		return nil, fmt.Errorf("API %s returned status %d", path, resp.StatusCode)

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		err := fmt.Errorf("API %s returned status %d: %s", path, resp.StatusCode, apiErrorDetail(respBody))
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: err}
		}

		return nil, err
	}

	return respBody, nil
}

// Bootstrap fetches the full-state document.
func (c *APIClient) Bootstrap(ctx context.Context) (*Bootstrap, error) {
	body, err := c.do(ctx, http.MethodGet, "/bootstrap", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching bootstrap: %w", err)
	}

	var b Bootstrap
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("decoding bootstrap: %w", err)
	}

	return &b, nil
}

// FetchDevice performs the single-entity refresh used by the self-heal
// path. ModelNVR maps to GET /nvr, everything else to its collection.
func (c *APIClient) FetchDevice(ctx context.Context, model ModelType, id string) ([]byte, error) {
	path := "/nvr"
	if model != ModelNVR {
		plural, ok := modelPlural[model]
		if !ok {
			return nil, fmt.Errorf("no REST collection for model %q", model)
		}

		path = "/" + plural + "/" + url.PathEscape(id)
	}

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching %s %q: %w", model, id, err)
	}

	return body, nil
}

// PatchDevice writes a coalesced field diff back to the controller.
func (c *APIClient) PatchDevice(ctx context.Context, model ModelType, id string, body []byte) error {
	path := "/nvr"
	if model != ModelNVR {
		plural, ok := modelPlural[model]
		if !ok {
			return fmt.Errorf("no REST collection for model %q", model)
		}

		path = "/" + plural + "/" + url.PathEscape(id)
	}

	if _, err := c.do(ctx, http.MethodPatch, path, body); err != nil {
		return err
	}

	return nil
}

// apiErrorDetail extracts the controller's error message from a failed
// response body, falling back to the sanitized raw body.
func apiErrorDetail(body []byte) string {
	for _, field := range []string{"error", "message"} {
		if v := gjson.GetBytes(body, field); v.Exists() && v.Str != "" {
			return v.Str
		}
	}

	return sanitizeResponseBody(body)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
