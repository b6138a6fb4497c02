package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

var ErrConflict = errors.New("revision conflict")

// ConflictError is returned for a 409 response. Current holds the server's
// copy of the resource when the response carried one.
type ConflictError struct {
	Path    string
	Code    string
	Message string
	Current optimistic.Record
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return "revision conflict"
	}
	return fmt.Sprintf("revision conflict for %s", e.Path)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

const (
	DefaultBaseURL      = "http://127.0.0.1:8080"
	DefaultPathTemplate = "/items/{id}"
	defaultTimeout      = 15 * time.Second
)

type ClientOptions struct {
	BaseURL string
	Token   string
	// PathTemplate addresses one resource. "{id}" is replaced by the
	// path-escaped id. Create posts to the template with "/{id}" removed.
	PathTemplate string
	HTTPClient   *http.Client
}

// Client maps remote operations onto a JSON HTTP API. It never retries on
// its own; the executor's retry controller owns that.
type Client struct {
	baseURL      string
	token        string
	pathTemplate string
	httpClient   *http.Client
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	tmpl := strings.TrimSpace(opts.PathTemplate)
	if tmpl == "" {
		tmpl = DefaultPathTemplate
	}
	if !strings.HasPrefix(tmpl, "/") {
		tmpl = "/" + tmpl
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:      baseURL,
		token:        strings.TrimSpace(opts.Token),
		pathTemplate: tmpl,
		httpClient:   httpClient,
	}
}

// Create posts vars to the collection path.
func (c *Client) Create(ctx context.Context, vars optimistic.Record) (optimistic.Record, error) {
	var out optimistic.Record
	err := c.doJSON(ctx, http.MethodPost, c.collectionPath(), nil, vars, &out)
	return out, err
}

// Update patches the resource named by vars["id"]. A "version" field is
// sent as If-Match.
func (c *Client) Update(ctx context.Context, vars optimistic.Record) (optimistic.Record, error) {
	return c.write(ctx, http.MethodPatch, vars)
}

// Upsert replaces the resource named by vars["id"].
func (c *Client) Upsert(ctx context.Context, vars optimistic.Record) (optimistic.Record, error) {
	return c.write(ctx, http.MethodPut, vars)
}

func (c *Client) Delete(ctx context.Context, vars optimistic.Record) (optimistic.Record, error) {
	id := idOf(vars)
	if id == "" {
		return nil, fmt.Errorf("%w: delete requires an id", optimistic.ErrInvalidInput)
	}
	var out optimistic.Record
	if err := c.doJSON(ctx, http.MethodDelete, c.resourcePath(id), versionHeaders(vars), nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = optimistic.Record{"id": id, "deleted": true}
	}
	return out, nil
}

// For maps an executor operation to the matching client method. Custom maps
// to upsert.
func (c *Client) For(op optimistic.Operation) (optimistic.RemoteOperation, error) {
	switch op {
	case optimistic.OperationCreate:
		return c.Create, nil
	case optimistic.OperationUpdate:
		return c.Update, nil
	case optimistic.OperationDelete:
		return c.Delete, nil
	case optimistic.OperationCustom, "":
		return c.Upsert, nil
	}
	return nil, fmt.Errorf("%w: operation %q", optimistic.ErrInvalidInput, op)
}

func (c *Client) write(ctx context.Context, method string, vars optimistic.Record) (optimistic.Record, error) {
	id := idOf(vars)
	if id == "" {
		return nil, fmt.Errorf("%w: %s requires an id", optimistic.ErrInvalidInput, strings.ToLower(method))
	}
	var out optimistic.Record
	err := c.doJSON(ctx, method, c.resourcePath(id), versionHeaders(vars), vars, &out)
	return out, err
}

func (c *Client) resourcePath(id string) string {
	return strings.ReplaceAll(c.pathTemplate, "{id}", url.PathEscape(id))
}

func (c *Client) collectionPath() string {
	p := strings.ReplaceAll(c.pathTemplate, "/{id}", "")
	p = strings.ReplaceAll(p, "{id}", "")
	if p == "" {
		return "/"
	}
	return p
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(bytes.TrimSpace(payloadBytes)) == 0 {
			return nil
		}
		if err := json.Unmarshal(payloadBytes, out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, requestPath, err)
		}
		return nil
	}

	var errPayload struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Current optimistic.Record `json:"current"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	if resp.StatusCode == http.StatusConflict {
		return &ConflictError{
			Path:    requestPath,
			Code:    errPayload.Code,
			Message: errPayload.Message,
			Current: errPayload.Current,
		}
	}
	message := errPayload.Message
	if message == "" {
		message = strings.TrimSpace(string(payloadBytes))
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    message,
	}
}

func idOf(vars optimistic.Record) string {
	v, ok := vars["id"]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func versionHeaders(vars optimistic.Record) map[string]string {
	v, ok := vars["version"]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return map[string]string{"If-Match": fmt.Sprintf("%d", int64(n))}
	case json.Number:
		return map[string]string{"If-Match": n.String()}
	}
	return map[string]string{"If-Match": fmt.Sprint(v)}
}

func correlationID() string {
	return "mutate_" + uuid.NewString()
}
