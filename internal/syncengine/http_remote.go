package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/goeb/smit/internal/storage"
)

// HTTP defaults of server remotes.
const (
	DefaultHTTPTimeout    = 30 * time.Second
	defaultMaxElapsed     = 1 * time.Minute
	maxPermissionsPayload = 4 * 1024 * 1024
)

// HTTPRemote is a smit server reached over HTTP(S). Authentication yields
// a session cookie that is replayed on the API calls and handed to git
// as an extra header.
type HTTPRemote struct {
	base       string
	client     *http.Client
	log        *slog.Logger
	maxElapsed time.Duration

	mu      sync.Mutex
	session *http.Cookie
}

var _ Remote = (*HTTPRemote)(nil)

// NewHTTPRemote returns the remote for the server at rawURL.
func NewHTTPRemote(rawURL string, opts RemoteOptions) *HTTPRemote {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxElapsed := opts.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = defaultMaxElapsed
	}
	return &HTTPRemote{
		base:       strings.TrimRight(rawURL, "/"),
		client:     client,
		log:        log,
		maxElapsed: maxElapsed,
	}
}

func (r *HTTPRemote) URL() string { return r.base }

func (r *HTTPRemote) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = r.maxElapsed
	return backoff.WithContext(bo, ctx)
}

// do sends the request built by build, retrying transport errors and
// server-side failures. Client errors are final.
func (r *HTTPRemote) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response
	attempt := 0
	op := func() error {
		attempt++
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		res, err := r.client.Do(req)
		if err != nil {
			r.log.Debug("http request failed", "url", req.URL.Redacted(), "attempt", attempt, "error", err)
			return fmt.Errorf("%s %s: %v: %w", req.Method, req.URL.Redacted(), err, storage.ErrTransport)
		}
		switch {
		case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
			drain(res)
			return backoff.Permanent(fmt.Errorf("%s %s: %s: %w", req.Method, req.URL.Redacted(), res.Status, storage.ErrPermission))
		case res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests:
			drain(res)
			return fmt.Errorf("%s %s: %s: %w", req.Method, req.URL.Redacted(), res.Status, storage.ErrTransport)
		case res.StatusCode >= 400:
			drain(res)
			return backoff.Permanent(fmt.Errorf("%s %s: %s: %w", req.Method, req.URL.Redacted(), res.Status, storage.ErrTransport))
		}
		resp = res
		return nil
	}
	if err := backoff.Retry(op, r.newBackOff(ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return resp, nil
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64*1024))
	_ = res.Body.Close()
}

// Authenticate signs in and keeps the session cookie.
func (r *HTTPRemote) Authenticate(ctx context.Context, creds Credentials) error {
	form := url.Values{"username": {creds.User}, "password": {creds.Password}}
	resp, err := r.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/signin", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer drain(resp)

	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return fmt.Errorf("signing in to %s: no session cookie: %w", r.base, storage.ErrPermission)
	}
	r.mu.Lock()
	r.session = cookies[0]
	r.mu.Unlock()
	r.log.Debug("signed in", "remote", r.base, "user", creds.User)
	return nil
}

func (r *HTTPRemote) cookie() *http.Cookie {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Permissions fetches the rights of the signed-in user.
func (r *HTTPRemote) Permissions(ctx context.Context) (*Permissions, error) {
	resp, err := r.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/?format=permissions", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c := r.cookie(); c != nil {
			req.AddCookie(c)
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	var perms Permissions
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPermissionsPayload)).Decode(&perms); err != nil {
		return nil, fmt.Errorf("decoding permissions from %s: %v: %w", r.base, err, storage.ErrTransport)
	}
	if perms.Projects == nil {
		perms.Projects = make(map[string]Role)
	}
	return &perms, nil
}

func (r *HTTPRemote) RepoURL(name string) string {
	return r.base + "/" + strings.Trim(name, "/")
}

// Driver passes the session cookie to git on every transfer.
func (r *HTTPRemote) Driver(base storage.Driver) storage.Driver {
	c := r.cookie()
	if c == nil {
		return base
	}
	return base.WithHTTPHeaders("Cookie: " + c.Name + "=" + c.Value)
}

// AfterPush is a no-op: the server receives incoming issues in its
// post-receive hook.
func (r *HTTPRemote) AfterPush(context.Context, string) error { return nil }
