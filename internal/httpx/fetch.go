// Package httpx issues the engine's HTTP requests with caller-supplied auth tokens attached.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"swarmplay/pkg/types"
)

const defaultTimeout = 20 * time.Second

// Auth attaches a token to each request. Token is called at request time since it can rotate.
type Auth struct {
	Token      func() string
	QueryParam string // e.g. videoFileToken
	Header     string // e.g. x-peertube-video-password
}

func (a Auth) token() string {
	if a.Token == nil {
		return ""
	}
	return a.Token()
}

// Sign appends the token query parameter to raw, if any.
func (a Auth) Sign(raw string) string {
	tok := a.token()
	if tok == "" || a.QueryParam == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(a.QueryParam, tok)
	u.RawQuery = q.Encode()
	return u.String()
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("GET %s: status %d", e.URL, e.Code) }

// Transient reports whether retrying the same request may succeed.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

type Fetcher struct {
	Client *http.Client
	Auth   Auth

	downloaded atomic.Int64
}

func New(client *http.Client, auth Auth) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Fetcher{Client: client, Auth: auth}
}

// Downloaded returns the total body bytes read through this fetcher.
func (f *Fetcher) Downloaded() int64 { return f.downloaded.Load() }

// Open performs a GET and returns the body. rng may be nil.
// Transport failures and 5xx responses wrap types.ErrTransientNetwork.
func (f *Fetcher) Open(ctx context.Context, raw string, rng *types.ByteRange) (io.ReadCloser, error) {
	target := f.Auth.Sign(raw)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if h := f.Auth.Header; h != "" {
		if tok := f.Auth.token(); tok != "" {
			req.Header.Set(h, tok)
		}
	}
	if rng != nil {
		req.Header.Set("Range", rng.HeaderValue())
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", types.ErrTransientNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		se := &StatusError{URL: raw, Code: resp.StatusCode}
		if se.Transient() {
			return nil, fmt.Errorf("%w: %w", types.ErrTransientNetwork, se)
		}
		return nil, se
	}
	return &countingBody{ReadCloser: resp.Body, n: &f.downloaded}, nil
}

// Get reads the whole body.
func (f *Fetcher) Get(ctx context.Context, raw string, rng *types.ByteRange) ([]byte, error) {
	body, err := f.Open(ctx, raw, rng)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	b, err := io.ReadAll(body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: reading %s: %v", types.ErrTransientNetwork, raw, err)
	}
	return b, nil
}

// GetJSON decodes a JSON body into v.
func (f *Fetcher) GetJSON(ctx context.Context, raw string, v any) error {
	body, err := f.Open(ctx, raw, nil)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", raw, err)
	}
	return nil
}

type countingBody struct {
	io.ReadCloser
	n *atomic.Int64
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n.Add(int64(n))
	return n, err
}
