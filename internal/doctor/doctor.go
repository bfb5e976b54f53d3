// Package doctor diagnoses a brain notebook: directory layout, notebook
// config invariants, template drift and index database health. Repairs
// are explicit and destructive ones require confirmation.
package doctor

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"brainrunner/internal/config"
	"brainrunner/internal/db"
)

//go:embed templates/*.md
var referenceTemplates embed.FS

// Result classifies one check.
type Result string

const (
	ResultOK   Result = "ok"
	ResultWarn Result = "warn"
	ResultFail Result = "fail"
)

// Check is one diagnostic outcome.
type Check struct {
	Name    string
	Result  Result
	Detail  string
	Fixable bool
	// Destructive repairs overwrite user-edited files and need --force
	// plus confirmation.
	Destructive bool

	fix func() error
}

// Report is a full doctor pass.
type Report struct {
	Checks []Check
}

// Healthy reports whether no check failed. Warnings do not count.
func (r Report) Healthy() bool {
	for _, c := range r.Checks {
		if c.Result == ResultFail {
			return false
		}
	}
	return true
}

// Fixable returns the checks a fix pass could repair.
func (r Report) Fixable() []Check {
	var out []Check
	for _, c := range r.Checks {
		if c.Result != ResultOK && c.Fixable {
			out = append(out, c)
		}
	}
	return out
}

// Doctor runs checks against one brain directory.
type Doctor struct {
	BrainDir string
	// Index is pinged when set. A runner without an index database skips
	// that check.
	Index  db.Store
	Logger *slog.Logger
}

// New creates a Doctor for brainDir.
func New(brainDir string, index db.Store, logger *slog.Logger) *Doctor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Doctor{BrainDir: brainDir, Index: index, Logger: logger}
}

// Run executes every check and returns the report. Run never repairs.
func (d *Doctor) Run() Report {
	var r Report
	r.Checks = append(r.Checks, d.checkRoot())
	r.Checks = append(r.Checks, d.checkProjectsDir())
	r.Checks = append(r.Checks, d.checkNotebookConfig())
	r.Checks = append(r.Checks, d.checkTemplates()...)
	if d.Index != nil {
		r.Checks = append(r.Checks, d.checkIndex())
	}
	return r
}

func (d *Doctor) checkRoot() Check {
	c := Check{Name: "notebook directory"}
	info, err := os.Stat(d.BrainDir)
	if os.IsNotExist(err) {
		c.Result = ResultFail
		c.Detail = fmt.Sprintf("%s does not exist", d.BrainDir)
		c.Fixable = true
		c.fix = func() error { return os.MkdirAll(d.BrainDir, 0o755) }
		return c
	}
	if err != nil {
		c.Result = ResultFail
		c.Detail = err.Error()
		return c
	}
	if !info.IsDir() {
		c.Result = ResultFail
		c.Detail = fmt.Sprintf("%s is not a directory", d.BrainDir)
		return c
	}
	if err := probeWritable(d.BrainDir); err != nil {
		c.Result = ResultFail
		c.Detail = fmt.Sprintf("not writable: %v", err)
		return c
	}
	c.Result = ResultOK
	c.Detail = d.BrainDir
	return c
}

func (d *Doctor) checkProjectsDir() Check {
	c := Check{Name: "projects directory"}
	dir := filepath.Join(d.BrainDir, "projects")
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		c.Result = ResultWarn
		c.Detail = "projects/ missing, no tasks to run"
		c.Fixable = true
		c.fix = func() error { return os.MkdirAll(dir, 0o755) }
		return c
	}
	if err != nil || !info.IsDir() {
		c.Result = ResultFail
		c.Detail = fmt.Sprintf("projects/ unreadable: %v", err)
		return c
	}
	c.Result = ResultOK
	entries, _ := os.ReadDir(dir)
	c.Detail = fmt.Sprintf("%d project(s)", len(entries))
	return c
}

func (d *Doctor) checkNotebookConfig() Check {
	c := Check{Name: "notebook config"}
	path := config.NotebookPath(d.BrainDir)

	writeDefault := func() error {
		return os.WriteFile(path, []byte(defaultNotebookConfig), 0o644)
	}

	nb, err := config.LoadNotebook(d.BrainDir)
	if errors.Is(err, os.ErrNotExist) {
		c.Result = ResultFail
		c.Detail = "config.toml missing"
		c.Fixable = true
		c.fix = writeDefault
		return c
	}
	if err != nil {
		c.Result = ResultFail
		c.Detail = err.Error()
		c.Fixable = true
		c.Destructive = true
		c.fix = writeDefault
		return c
	}
	if err := nb.Validate(); err != nil {
		// Wrong id settings would generate ids the graph resolver
		// rejects; rewriting the file loses the user's other keys.
		c.Result = ResultFail
		c.Detail = err.Error()
		c.Fixable = true
		c.Destructive = true
		c.fix = writeDefault
		return c
	}
	c.Result = ResultOK
	c.Detail = fmt.Sprintf("id-length=%d id-charset=%s", nb.IDLength, nb.IDCharset)
	return c
}

// checkTemplates compares each notebook template against the embedded
// reference by content hash.
func (d *Doctor) checkTemplates() []Check {
	names, err := referenceTemplates.ReadDir("templates")
	if err != nil {
		return []Check{{Name: "templates", Result: ResultFail, Detail: err.Error()}}
	}

	var out []Check
	for _, e := range names {
		name := e.Name()
		c := Check{Name: "template " + name}
		ref, _ := referenceTemplates.ReadFile("templates/" + name)
		path := filepath.Join(d.BrainDir, "templates", name)

		restore := func() error {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			return os.WriteFile(path, ref, 0o644)
		}

		got, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			c.Result = ResultWarn
			c.Detail = "missing"
			c.Fixable = true
			c.fix = restore
		case err != nil:
			c.Result = ResultFail
			c.Detail = err.Error()
		case hash(got) != hash(ref):
			// Edited templates are legitimate; resetting them is opt-in.
			c.Result = ResultWarn
			c.Detail = "differs from reference"
			c.Fixable = true
			c.Destructive = true
			c.fix = restore
		default:
			c.Result = ResultOK
			c.Detail = hash(got)[:12]
		}
		out = append(out, c)
	}
	return out
}

func (d *Doctor) checkIndex() Check {
	c := Check{Name: "index database"}
	if err := d.Index.Ping(); err != nil {
		c.Result = ResultFail
		c.Detail = err.Error()
		return c
	}
	c.Result = ResultOK
	c.Detail = "reachable"
	return c
}

// FixOptions control a repair pass.
type FixOptions struct {
	// DryRun reports what would change without touching anything.
	DryRun bool
	// Force allows destructive repairs.
	Force bool
	// Confirm is asked before each destructive repair. Nil means decline.
	Confirm func(prompt string) bool
}

// FixOutcome records one attempted repair.
type FixOutcome struct {
	Check   Check
	Applied bool
	Skipped string // reason, when not applied
	Err     error
}

// Fix repairs the fixable findings of a report.
func (d *Doctor) Fix(report Report, opts FixOptions) []FixOutcome {
	var out []FixOutcome
	for _, c := range report.Fixable() {
		o := FixOutcome{Check: c}
		switch {
		case opts.DryRun:
			o.Skipped = "dry run"
		case c.Destructive && !opts.Force:
			o.Skipped = "destructive, needs --force"
		case c.Destructive && (opts.Confirm == nil || !opts.Confirm(fmt.Sprintf("Overwrite %s?", c.Name))):
			o.Skipped = "declined"
		default:
			if err := c.fix(); err != nil {
				o.Err = err
			} else {
				o.Applied = true
				d.Logger.Info("repaired", "check", c.Name)
			}
		}
		out = append(out, o)
	}
	return out
}

const defaultNotebookConfig = `id-length = 8
id-charset = "alphanum"
`

func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".doctor-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
