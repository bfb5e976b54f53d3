package entry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"brainrunner/internal/task"
)

// FileStore reads and writes markdown entries under a notebook root:
// projects/<project>/task/<id>.md. It is the store used by single-host
// deployments and by the entry API server.
type FileStore struct {
	Root string
}

// NewFileStore opens a notebook directory.
func NewFileStore(root string) (*FileStore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("notebook root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("notebook root %s is not a directory", root)
	}
	return &FileStore{Root: root}, nil
}

func (s *FileStore) taskDir(project string) string {
	return filepath.Join(s.Root, "projects", project, "task")
}

// List returns every parsable task entry of a project, sorted by path.
// Entries that fail to parse are skipped; a project directory that does not
// exist is ErrNotFound.
func (s *FileStore) List(ctx context.Context, project string) ([]task.Task, error) {
	dir := s.taskDir(project)
	names, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("project %s: %w", project, ErrNotFound)
		}
		return nil, fmt.Errorf("list project %s: %w", project, err)
	}

	var tasks []task.Task
	for _, de := range names {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".md") {
			continue
		}
		rel := filepath.ToSlash(filepath.Join("projects", project, "task", de.Name()))
		data, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			continue
		}
		t, err := task.ParseEntry(rel, data)
		if err != nil {
			continue
		}
		if t.Project == "" {
			t.Project = project
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Path < tasks[j].Path })
	return tasks, nil
}

// Get reads one entry by its stable relative path.
func (s *FileStore) Get(ctx context.Context, path string) (task.Task, error) {
	abs, err := s.absPath(path)
	if err != nil {
		return task.Task{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return task.Task{}, fmt.Errorf("entry %s: %w", path, ErrNotFound)
		}
		return task.Task{}, fmt.Errorf("read entry %s: %w", path, err)
	}
	return task.ParseEntry(path, data)
}

// Update rewrites the entry's frontmatter and optionally appends a note to
// the body. Status writes are idempotent: writing the current status is a
// no-op that still succeeds.
func (s *FileStore) Update(ctx context.Context, path string, upd Update) error {
	if upd.Empty() {
		return fmt.Errorf("empty update for %s: %w", path, ErrInvalid)
	}
	if upd.Status != "" && !upd.Status.Valid() {
		return fmt.Errorf("status %q: %w", upd.Status, ErrInvalid)
	}

	t, err := s.Get(ctx, path)
	if err != nil {
		return err
	}

	if upd.Status != "" {
		t.Status = upd.Status
	}
	if upd.Title != "" {
		t.Title = upd.Title
	}
	if upd.Append != "" {
		t.Content = strings.TrimRight(t.Content, "\n") + "\n\n" + upd.Append + "\n"
	}
	if upd.Note != "" {
		stamp := time.Now().UTC().Format(time.RFC3339)
		t.Content = strings.TrimRight(t.Content, "\n") +
			fmt.Sprintf("\n\n> [%s] %s\n", stamp, upd.Note)
	}

	data, err := task.EncodeEntry(t)
	if err != nil {
		return err
	}

	abs, err := s.absPath(path)
	if err != nil {
		return err
	}

	// Write-then-rename so readers never see a torn entry.
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write entry %s: %w", path, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write entry %s: %w", path, err)
	}
	return nil
}

// absPath maps a relative entry path onto the notebook root, refusing
// traversal outside it.
func (s *FileStore) absPath(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry path %q escapes notebook root: %w", path, ErrInvalid)
	}
	return filepath.Join(s.Root, clean), nil
}
