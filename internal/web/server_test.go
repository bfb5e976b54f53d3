package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainrunner/internal/db"
	"brainrunner/internal/entry"
	"brainrunner/internal/task"
)

type memStore struct {
	mu    sync.Mutex
	tasks map[string]task.Task // keyed by path
	fail  error
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]task.Task)}
}

func (m *memStore) add(t task.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.Path] = t
}

func (m *memStore) List(ctx context.Context, project string) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []task.Task
	for _, t := range m.tasks {
		if t.Project == project {
			out = append(out, t)
		}
	}
	if out == nil {
		return nil, fmt.Errorf("project %s: %w", project, entry.ErrNotFound)
	}
	return out, nil
}

func (m *memStore) Get(ctx context.Context, path string) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[path]
	if !ok {
		return task.Task{}, fmt.Errorf("%s: %w", path, entry.ErrNotFound)
	}
	return t, nil
}

func (m *memStore) Update(ctx context.Context, path string, upd entry.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[path]
	if !ok {
		return fmt.Errorf("%s: %w", path, entry.ErrNotFound)
	}
	if upd.Status != "" {
		t.Status = upd.Status
	}
	if upd.Title != "" {
		t.Title = upd.Title
	}
	m.tasks[path] = t
	return nil
}

type memIndex struct {
	mu     sync.Mutex
	claims map[string]string // project/task -> runner
}

func newMemIndex() *memIndex { return &memIndex{claims: make(map[string]string)} }

func (m *memIndex) Close() error { return nil }
func (m *memIndex) Ping() error  { return nil }

func (m *memIndex) RecordEvent(projectID, taskID, kind, detail string) error { return nil }
func (m *memIndex) RecentEvents(projectID string, limit int) ([]db.Event, error) {
	return nil, nil
}

func (m *memIndex) AcquireClaim(projectID, taskID, runnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := projectID + "/" + taskID
	if holder, ok := m.claims[key]; ok && holder != runnerID {
		return db.ErrClaimHeld
	}
	m.claims[key] = runnerID
	return nil
}

func (m *memIndex) ReleaseClaim(projectID, taskID, runnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, projectID+"/"+taskID)
	return nil
}

func (m *memIndex) ActiveClaims(projectID string) ([]db.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Claim
	for key, runner := range m.claims {
		out = append(out, db.Claim{ProjectID: projectID, TaskID: key[len(projectID)+1:], RunnerID: runner, CreatedAt: time.Now()})
	}
	return out, nil
}

func mkTask(id, project string, status task.Status, deps ...string) task.Task {
	return task.Task{
		ID:        id,
		Project:   project,
		Path:      fmt.Sprintf("projects/%s/task/%s.md", project, id),
		Status:    status,
		Title:     "task " + id,
		DependsOn: deps,
	}
}

// dirInfo stands in for an existing directory in workdir resolution.
type dirInfo struct{ os.FileInfo }

func (dirInfo) IsDir() bool { return true }

func newTestServer(t *testing.T, store entry.Store, index db.Store) *httptest.Server {
	t.Helper()
	resolve := task.ResolveOpts{
		Home:           "/home/test",
		DefaultWorkdir: "work",
		Stat:           func(string) (os.FileInfo, error) { return dirInfo{}, nil },
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(store, index, resolve, nil, "127.0.0.1:0", logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestListReturnsTasksAndStats(t *testing.T) {
	store := newMemStore()
	store.add(mkTask("aaaaaaaa", "demo", task.StatusPending))
	store.add(mkTask("bbbbbbbb", "demo", task.StatusCompleted))
	ts := newTestServer(t, store, nil)

	var out struct {
		Tasks []task.Task `json:"tasks"`
		Stats task.Stats  `json:"stats"`
	}
	code := getJSON(t, ts.URL+"/api/v1/tasks/demo", &out)

	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, out.Tasks, 2)
	assert.Equal(t, 2, out.Stats.Total)
	assert.Equal(t, 1, out.Stats.Ready)
	assert.Equal(t, 1, out.Stats.Completed)
}

func TestListUnknownProjectIs404(t *testing.T) {
	ts := newTestServer(t, newMemStore(), nil)
	code := getJSON(t, ts.URL+"/api/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestReadyEndpointFiltersByClassification(t *testing.T) {
	store := newMemStore()
	store.add(mkTask("aaaaaaaa", "demo", task.StatusPending))
	store.add(mkTask("bbbbbbbb", "demo", task.StatusPending, "aaaaaaaa"))
	ts := newTestServer(t, store, nil)

	var out struct {
		Tasks []task.ResolvedTask `json:"tasks"`
	}
	code := getJSON(t, ts.URL+"/api/v1/tasks/demo/ready", &out)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out.Tasks, 1)
	assert.Equal(t, "aaaaaaaa", out.Tasks[0].ID)

	code = getJSON(t, ts.URL+"/api/v1/tasks/demo/waiting", &out)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out.Tasks, 1)
	assert.Equal(t, "bbbbbbbb", out.Tasks[0].ID)
}

func TestNextReturnsFirstReadyTask(t *testing.T) {
	store := newMemStore()
	store.add(mkTask("aaaaaaaa", "demo", task.StatusPending))
	ts := newTestServer(t, store, nil)

	var out task.ResolvedTask
	code := getJSON(t, ts.URL+"/api/v1/tasks/demo/next", &out)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "aaaaaaaa", out.ID)
}

func TestNextWithoutReadyTaskIs404(t *testing.T) {
	store := newMemStore()
	store.add(mkTask("aaaaaaaa", "demo", task.StatusCompleted))
	ts := newTestServer(t, store, nil)

	code := getJSON(t, ts.URL+"/api/v1/tasks/demo/next", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGetEntry(t *testing.T) {
	store := newMemStore()
	store.add(mkTask("aaaaaaaa", "demo", task.StatusPending))
	ts := newTestServer(t, store, nil)

	var out task.Task
	code := getJSON(t, ts.URL+"/api/v1/entries/projects/demo/task/aaaaaaaa.md", &out)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "aaaaaaaa", out.ID)

	code = getJSON(t, ts.URL+"/api/v1/entries/projects/demo/task/missing.md", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func doPatch(t *testing.T, url string, body any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPatch, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestPatchUpdatesStatus(t *testing.T) {
	store := newMemStore()
	tk := mkTask("aaaaaaaa", "demo", task.StatusPending)
	store.add(tk)
	ts := newTestServer(t, store, nil)

	code := doPatch(t, ts.URL+"/api/v1/entries/"+tk.Path, entry.Update{Status: task.StatusCancelled})
	assert.Equal(t, http.StatusOK, code)

	got, err := store.Get(context.Background(), tk.Path)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
}

func TestPatchRejectsBadInput(t *testing.T) {
	store := newMemStore()
	tk := mkTask("aaaaaaaa", "demo", task.StatusPending)
	store.add(tk)
	ts := newTestServer(t, store, nil)

	assert.Equal(t, http.StatusBadRequest, doPatch(t, ts.URL+"/api/v1/entries/"+tk.Path, entry.Update{}))
	assert.Equal(t, http.StatusBadRequest, doPatch(t, ts.URL+"/api/v1/entries/"+tk.Path, map[string]string{"status": "bogus"}))
	assert.Equal(t, http.StatusNotFound, doPatch(t, ts.URL+"/api/v1/entries/projects/demo/task/missing.md", entry.Update{Status: task.StatusCancelled}))
}

func doClaim(t *testing.T, url, runnerID string) (*http.Response, func()) {
	t.Helper()
	raw, _ := json.Marshal(map[string]string{"runnerId": runnerID})
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp, func() { resp.Body.Close() }
}

func TestClaimConflictNamesHolder(t *testing.T) {
	store := newMemStore()
	store.add(mkTask("aaaaaaaa", "demo", task.StatusPending))
	ts := newTestServer(t, store, newMemIndex())
	url := ts.URL + "/api/v1/tasks/demo/aaaaaaaa/claim"

	resp, done := doClaim(t, url, "runner-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	done()

	resp, done = doClaim(t, url, "runner-2")
	defer done()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var conflict struct {
		ClaimedBy string `json:"claimedBy"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conflict))
	assert.Equal(t, "runner-1", conflict.ClaimedBy)
}

func TestClaimReacquireByHolderIsIdempotent(t *testing.T) {
	store := newMemStore()
	store.add(mkTask("aaaaaaaa", "demo", task.StatusPending))
	ts := newTestServer(t, store, newMemIndex())
	url := ts.URL + "/api/v1/tasks/demo/aaaaaaaa/claim"

	resp, done := doClaim(t, url, "runner-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	done()
	resp, done = doClaim(t, url, "runner-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	done()
}

func TestReleaseFreesClaim(t *testing.T) {
	store := newMemStore()
	store.add(mkTask("aaaaaaaa", "demo", task.StatusPending))
	ts := newTestServer(t, store, newMemIndex())

	resp, done := doClaim(t, ts.URL+"/api/v1/tasks/demo/aaaaaaaa/claim", "runner-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	done()

	resp, done = doClaim(t, ts.URL+"/api/v1/tasks/demo/aaaaaaaa/release", "runner-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	done()

	resp, done = doClaim(t, ts.URL+"/api/v1/tasks/demo/aaaaaaaa/claim", "runner-2")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	done()
}

func TestClaimWithoutIndexIs503(t *testing.T) {
	store := newMemStore()
	store.add(mkTask("aaaaaaaa", "demo", task.StatusPending))
	ts := newTestServer(t, store, nil)

	resp, done := doClaim(t, ts.URL+"/api/v1/tasks/demo/aaaaaaaa/claim", "runner-1")
	defer done()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestClaimRequiresRunnerID(t *testing.T) {
	store := newMemStore()
	store.add(mkTask("aaaaaaaa", "demo", task.StatusPending))
	ts := newTestServer(t, store, newMemIndex())

	resp, done := doClaim(t, ts.URL+"/api/v1/tasks/demo/aaaaaaaa/claim", "")
	defer done()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStoreUnavailableIs503(t *testing.T) {
	store := newMemStore()
	store.fail = fmt.Errorf("backend down: %w", entry.ErrUnavailable)
	ts := newTestServer(t, store, nil)

	code := getJSON(t, ts.URL+"/api/v1/tasks/demo", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, newMemStore(), newMemIndex())
	code := getJSON(t, ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
}

// The HTTP client and server share wire shapes; drive the client against
// a real server to keep them honest.
func TestHTTPStoreRoundTrip(t *testing.T) {
	store := newMemStore()
	tk := mkTask("aaaaaaaa", "demo", task.StatusPending)
	store.add(tk)
	ts := newTestServer(t, store, newMemIndex())

	client := entry.NewHTTPStore(ts.URL, 5*time.Second)
	ctx := context.Background()

	tasks, err := client.List(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "aaaaaaaa", tasks[0].ID)

	got, err := client.Get(ctx, tk.Path)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)

	require.NoError(t, client.Update(ctx, tk.Path, entry.Update{Status: task.StatusActive}))
	got, err = client.Get(ctx, tk.Path)
	require.NoError(t, err)
	assert.Equal(t, task.StatusActive, got.Status)

	require.NoError(t, client.Claim(ctx, "demo", tk.ID, "runner-1"))
	err = client.Claim(ctx, "demo", tk.ID, "runner-2")
	assert.ErrorIs(t, err, entry.ErrClaimed)
	require.NoError(t, client.Release(ctx, "demo", tk.ID, "runner-1"))

	_, err = client.Get(ctx, "projects/demo/task/missing.md")
	assert.True(t, errors.Is(err, entry.ErrNotFound))
}
