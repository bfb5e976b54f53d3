package entry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"brainrunner/internal/task"
)

// HTTPStore talks to the entry API over JSON. Every call carries a timeout
// so the runner loop can never hang on the store.
type HTTPStore struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPStore creates a client for the entry API at baseURL.
func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPStore{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

type listResponse struct {
	Tasks []task.Task `json:"tasks"`
	Stats task.Stats  `json:"stats"`
}

// List fetches GET /api/v1/tasks/{project}.
func (s *HTTPStore) List(ctx context.Context, project string) ([]task.Task, error) {
	var out listResponse
	err := s.getJSON(ctx, fmt.Sprintf("/api/v1/tasks/%s", url.PathEscape(project)), &out)
	if err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Get fetches a single entry by path via GET /api/v1/entries/{path}.
func (s *HTTPStore) Get(ctx context.Context, path string) (task.Task, error) {
	var out task.Task
	err := s.getJSON(ctx, "/api/v1/entries/"+escapePath(path), &out)
	return out, err
}

// Update issues PATCH /api/v1/entries/{path}.
func (s *HTTPStore) Update(ctx context.Context, path string, upd Update) error {
	if upd.Empty() {
		return fmt.Errorf("empty update for %s: %w", path, ErrInvalid)
	}
	body, err := json.Marshal(upd)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		s.BaseURL+"/api/v1/entries/"+escapePath(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("update %s: %w: %v", path, ErrUnavailable, err)
	}
	defer resp.Body.Close()
	return statusError(resp.StatusCode, path)
}

// Claim implements the optional multi-runner claim protocol:
// POST /api/v1/tasks/{project}/{taskId}/claim.
func (s *HTTPStore) Claim(ctx context.Context, project, taskID, runnerID string) error {
	return s.postClaim(ctx, project, taskID, runnerID, "claim")
}

// Release mirrors Claim.
func (s *HTTPStore) Release(ctx context.Context, project, taskID, runnerID string) error {
	return s.postClaim(ctx, project, taskID, runnerID, "release")
}

func (s *HTTPStore) postClaim(ctx context.Context, project, taskID, runnerID, verb string) error {
	body, _ := json.Marshal(map[string]string{"runnerId": runnerID})
	u := fmt.Sprintf("%s/api/v1/tasks/%s/%s/%s",
		s.BaseURL, url.PathEscape(project), url.PathEscape(taskID), verb)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w: %v", verb, project, taskID, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		var conflict struct {
			ClaimedBy string `json:"claimedBy"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&conflict)
		return fmt.Errorf("task %s held by %s: %w", taskID, conflict.ClaimedBy, ErrClaimed)
	case http.StatusNotFound:
		return fmt.Errorf("task %s/%s: %w", project, taskID, ErrNotFound)
	default:
		return fmt.Errorf("%s %s/%s: unexpected status %d", verb, project, taskID, resp.StatusCode)
	}
}

func (s *HTTPStore) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w: %v", path, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode, path); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func statusError(code int, subject string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", subject, ErrNotFound)
	case code == http.StatusBadRequest:
		return fmt.Errorf("%s: %w", subject, ErrInvalid)
	case code == http.StatusServiceUnavailable:
		return fmt.Errorf("%s: %w", subject, ErrUnavailable)
	default:
		return fmt.Errorf("%s: unexpected status %d", subject, code)
	}
}

// escapePath escapes each segment of a relative entry path.
func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
