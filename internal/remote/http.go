package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/taskdeck/offsync/internal/queue"
)

// DefaultApplyTimeout bounds a single apply request.
const DefaultApplyTimeout = 15 * time.Second

// HTTPApplier applies changes against the sync server's REST surface:
//
//	POST   {base}/entities/{type}         create
//	PATCH  {base}/entities/{type}/{id}    update
//	DELETE {base}/entities/{type}/{id}    delete
//
// Every request carries the change ID as an idempotency key so replays
// after a crash are deduplicated server-side.
type HTTPApplier struct {
	baseURL string
	client  *http.Client
	token   func() string
	logger  *log.Logger
}

// HTTPOption configures an HTTPApplier.
type HTTPOption func(*HTTPApplier)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPApplier) { a.client = c }
}

// WithToken sets a static bearer token.
func WithToken(token string) HTTPOption {
	return func(a *HTTPApplier) { a.token = func() string { return token } }
}

// WithTokenFunc sets a token source, called per request so rotating
// credentials stay fresh.
func WithTokenFunc(fn func() string) HTTPOption {
	return func(a *HTTPApplier) { a.token = fn }
}

// WithLogger overrides the applier's logger.
func WithLogger(logger *log.Logger) HTTPOption {
	return func(a *HTTPApplier) { a.logger = logger }
}

// NewHTTPApplier creates an applier against the given base URL.
func NewHTTPApplier(baseURL string, opts ...HTTPOption) (*HTTPApplier, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	a := &HTTPApplier{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultApplyTimeout},
		logger:  log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// applyResponse is the server's success body.
type applyResponse struct {
	ID           string    `json:"id"`
	LastModified time.Time `json:"last_modified"`
}

// conflictResponse is the server's 409 body.
type conflictResponse struct {
	Entity ServerEntity `json:"entity"`
}

// Apply sends the change and classifies the outcome.
func (a *HTTPApplier) Apply(ctx context.Context, rec *queue.ChangeRecord) (*Result, error) {
	method, target, err := a.route(rec)
	if err != nil {
		return nil, &ApplyError{Class: ClassPermanent, Detail: "unroutable change", Err: err}
	}

	var body io.Reader
	if len(rec.Payload) > 0 {
		body = bytes.NewReader(rec.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &ApplyError{Class: ClassPermanent, Detail: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.ID)
	if a.token != nil {
		if tok := a.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		// Network-level failures are indistinguishable from being
		// offline; let the coordinator retry.
		return nil, &ApplyError{Class: ClassTransient, Detail: "request failed", Err: err}
	}
	defer resp.Body.Close()

	return a.classify(rec, resp)
}

func (a *HTTPApplier) route(rec *queue.ChangeRecord) (method, target string, err error) {
	base := a.baseURL + "/entities/" + url.PathEscape(rec.EntityType)

	switch rec.Operation {
	case queue.OpCreate:
		return http.MethodPost, base, nil
	case queue.OpUpdate:
		if rec.EntityID == "" {
			return "", "", fmt.Errorf("update without entity ID")
		}
		return http.MethodPatch, base + "/" + url.PathEscape(rec.EntityID), nil
	case queue.OpDelete:
		if rec.EntityID == "" {
			return "", "", fmt.Errorf("delete without entity ID")
		}
		return http.MethodDelete, base + "/" + url.PathEscape(rec.EntityID), nil
	}
	return "", "", fmt.Errorf("unknown operation %q", rec.Operation)
}

func (a *HTTPApplier) classify(rec *queue.ChangeRecord, resp *http.Response) (*Result, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ApplyError{Class: ClassTransient, Detail: "failed to read response", Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res := &Result{EntityID: rec.EntityID}
		if len(raw) > 0 {
			var body applyResponse
			if err := json.Unmarshal(raw, &body); err != nil {
				return nil, &ApplyError{Class: ClassTransient, Detail: "malformed success response", Err: err}
			}
			if body.ID != "" {
				res.EntityID = body.ID
			}
			res.LastModified = body.LastModified
		}
		return res, nil

	case resp.StatusCode == http.StatusConflict:
		ae := &ApplyError{Class: ClassConflict, Detail: "server holds a newer version"}
		var body conflictResponse
		if err := json.Unmarshal(raw, &body); err == nil && body.Entity.ID != "" {
			ae.Server = &body.Entity
		}
		return nil, ae

	case resp.StatusCode == http.StatusNotFound && rec.Operation == queue.OpDelete:
		// The entity is already gone; the delete's goal is met.
		a.logger.Printf("Delete of %s/%s found nothing to delete, treating as success", rec.EntityType, rec.EntityID)
		return &Result{EntityID: rec.EntityID, LastModified: time.Now().UTC()}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &ApplyError{
			Class:  ClassTransient,
			Detail: fmt.Sprintf("server returned %d: %s", resp.StatusCode, truncate(raw, 200)),
		}

	default:
		return nil, &ApplyError{
			Class:  ClassPermanent,
			Detail: fmt.Sprintf("server rejected change with %d: %s", resp.StatusCode, truncate(raw, 200)),
		}
	}
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
