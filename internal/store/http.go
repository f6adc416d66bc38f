package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// HTTPClient implements Client against an Elasticsearch-compatible REST API
type HTTPClient struct {
	base       string
	username   string
	password   string
	httpClient *http.Client
}

// NewHTTPClient creates a new cluster client
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &HTTPClient{
		base:       base,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// cleanEndpoint normalizes the endpoint to scheme://host:port with no path
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have a path (got %s)", parsed.Path)
	}

	return parsed.Scheme + "://" + parsed.Host, nil
}

// do performs one request and returns the response body and status code
func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	return data, resp.StatusCode, nil
}

// statusErr maps a non-2xx response to a tagged error
func statusErr(status int, body []byte) error {
	text := string(body)
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	if strings.Contains(text, "index_closed_exception") || strings.Contains(text, "cluster_block_exception") {
		return ErrIndexClosed
	}
	return &StatusError{StatusCode: status, Body: text}
}

// Exists reports whether the named index exists (open or closed)
func (c *HTTPClient) Exists(ctx context.Context, name string) (bool, error) {
	_, status, err := c.do(ctx, http.MethodHead, "/"+url.PathEscape(name), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &StatusError{StatusCode: status}
	}
}

type catIndexEntry struct {
	Index  string `json:"index"`
	Status string `json:"status"`
}

func (c *HTTPClient) catIndices(ctx context.Context, pattern string) ([]catIndexEntry, error) {
	path := "/_cat/indices/" + url.PathEscape(pattern) + "?format=json&h=index,status&expand_wildcards=all"
	body, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, statusErr(status, body)
	}

	var entries []catIndexEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode index listing: %w", err)
	}
	return entries, nil
}

// IsOpen reports whether the named index is open
func (c *HTTPClient) IsOpen(ctx context.Context, name string) (bool, error) {
	entries, err := c.catIndices(ctx, name)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Index == name {
			return e.Status == "open", nil
		}
	}
	return false, ErrNotFound
}

// Open opens a closed index
func (c *HTTPClient) Open(ctx context.Context, name string) error {
	body, status, err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(name)+"/_open", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusErr(status, body)
	}
	return nil
}

// Close closes an open index
func (c *HTTPClient) Close(ctx context.Context, name string) error {
	body, status, err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(name)+"/_close", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusErr(status, body)
	}
	return nil
}

// Create creates an index with the given settings
func (c *HTTPClient) Create(ctx context.Context, name string, settings Settings) error {
	var reqBody interface{}
	if settings != nil {
		reqBody = map[string]interface{}{"settings": settings}
	}
	body, status, err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(name), reqBody)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusErr(status, body)
	}
	return nil
}

// PutSettings updates dynamic settings on an existing index
func (c *HTTPClient) PutSettings(ctx context.Context, name string, settings Settings) error {
	body, status, err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(name)+"/_settings", settings)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusErr(status, body)
	}
	return nil
}

// Count returns the number of documents in the index. Counting a closed index
// returns ErrIndexClosed.
func (c *HTTPClient) Count(ctx context.Context, name string) (int64, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(name)+"/_count", nil)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, statusErr(status, body)
	}

	var result struct {
		Count int64 `json:"count"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("failed to decode count response: %w", err)
	}
	return result.Count, nil
}

// ListMatching returns the sorted names of all indices (open and closed)
// matching the pattern
func (c *HTTPClient) ListMatching(ctx context.Context, pattern string) ([]string, error) {
	entries, err := c.catIndices(ctx, pattern)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Index)
	}
	sort.Strings(names)
	return names, nil
}

// ForceMerge compacts the index down to a small number of segments
func (c *HTTPClient) ForceMerge(ctx context.Context, name string) error {
	body, status, err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(name)+"/_forcemerge?max_num_segments=1", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusErr(status, body)
	}
	return nil
}

// ReindexAsync starts a server-side copy from source into dest and returns the
// task handle without waiting for completion
func (c *HTTPClient) ReindexAsync(ctx context.Context, source, dest string, opts ReindexOptions) (string, error) {
	reqBody := map[string]interface{}{
		"source": map[string]interface{}{"index": source},
		"dest": map[string]interface{}{
			"index":        dest,
			"version_type": opts.VersionType,
		},
		"conflicts": opts.Conflicts,
	}

	body, status, err := c.do(ctx, http.MethodPost, "/_reindex?wait_for_completion=false", reqBody)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", statusErr(status, body)
	}

	var result struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to decode reindex response: %w", err)
	}
	if result.Task == "" {
		return "", fmt.Errorf("reindex response contained no task handle")
	}
	return result.Task, nil
}

// TaskStatus returns the progress of an asynchronous task, or nil when the
// cluster no longer knows the task
func (c *HTTPClient) TaskStatus(ctx context.Context, taskID string) (*TaskInfo, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/_tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, statusErr(status, body)
	}

	var result struct {
		Completed bool `json:"completed"`
		Task      struct {
			RunningTimeInNanos int64 `json:"running_time_in_nanos"`
			Status             struct {
				Total   int64 `json:"total"`
				Created int64 `json:"created"`
				Updated int64 `json:"updated"`
				Deleted int64 `json:"deleted"`
			} `json:"status"`
		} `json:"task"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode task status: %w", err)
	}

	return &TaskInfo{
		Completed:    result.Completed,
		RunningNanos: result.Task.RunningTimeInNanos,
		Total:        result.Task.Status.Total,
		Created:      result.Task.Status.Created,
		Updated:      result.Task.Status.Updated,
		Deleted:      result.Task.Status.Deleted,
	}, nil
}

// searchPageSize is the per-request page for GetAll
const searchPageSize = 1000

// GetAll returns every document in the index, paging through the search
// results so a large collection is never silently truncated
func (c *HTTPClient) GetAll(ctx context.Context, index string) ([]Document, error) {
	var docs []Document
	for from := 0; ; from += searchPageSize {
		path := fmt.Sprintf("/%s/_search?size=%d&from=%d", url.PathEscape(index), searchPageSize, from)
		body, status, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, statusErr(status, body)
		}

		var result struct {
			Hits struct {
				Hits []struct {
					ID     string          `json:"_id"`
					Source json.RawMessage `json:"_source"`
				} `json:"hits"`
			} `json:"hits"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("failed to decode search response: %w", err)
		}

		for _, h := range result.Hits.Hits {
			docs = append(docs, Document{ID: h.ID, Source: h.Source})
		}
		if len(result.Hits.Hits) < searchPageSize {
			return docs, nil
		}
	}
}

// Put upserts one document by id
func (c *HTTPClient) Put(ctx context.Context, index, id string, doc interface{}) error {
	path := "/" + url.PathEscape(index) + "/_doc/" + url.PathEscape(id) + "?refresh=true"
	body, status, err := c.do(ctx, http.MethodPut, path, doc)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return statusErr(status, body)
	}
	return nil
}

// DeleteDoc removes one document by id; a missing document is not an error
func (c *HTTPClient) DeleteDoc(ctx context.Context, index, id string) error {
	path := "/" + url.PathEscape(index) + "/_doc/" + url.PathEscape(id) + "?refresh=true"
	body, status, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status != http.StatusOK {
		return statusErr(status, body)
	}
	return nil
}
