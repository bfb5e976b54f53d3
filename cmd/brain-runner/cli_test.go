package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainrunner/internal/config"
)

func writeEntry(t *testing.T, root, project, id, frontmatter string) {
	t.Helper()
	dir := filepath.Join(root, "projects", project, "task")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data := "---\n" + frontmatter + "---\n\n# " + id + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".md"), []byte(data), 0o644))
}

// notebookFixture points viper at a throwaway notebook with one project.
func notebookFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeEntry(t, root, "demo", "aaaaaaaa", "status: pending\ntitle: first task\n")
	writeEntry(t, root, "demo", "bbbbbbbb", "status: pending\ntitle: second task\ndepends_on: [aaaaaaaa]\n")

	viper.Reset()
	config.Load("")
	viper.Set("dir", root)
	viper.Set("workdir", t.TempDir())
	t.Cleanup(viper.Reset)
	return root
}

func runCommand(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetContext(context.Background())
	require.NoError(t, cmd.RunE(cmd, args))
	return buf.String()
}

func TestResolveProjectsScansNotebook(t *testing.T) {
	root := notebookFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "projects", "other"), 0o755))

	s := config.FromViper()
	projects, err := resolveProjects(s, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"demo", "other"}, projects)

	projects, err = resolveProjects(s, []string{"other"})
	require.NoError(t, err)
	assert.Equal(t, []string{"demo"}, projects)
}

func TestResolveProjectsEmptyNotebookErrors(t *testing.T) {
	viper.Reset()
	config.Load("")
	viper.Set("dir", t.TempDir())
	t.Cleanup(viper.Reset)

	_, err := resolveProjects(config.FromViper(), nil)
	assert.Error(t, err)
}

func TestListCommandShowsClassification(t *testing.T) {
	notebookFixture(t)

	out := runCommand(t, listCmd, "demo")
	assert.Contains(t, out, "aaaaaaaa")
	assert.Contains(t, out, "ready")
	assert.Contains(t, out, "bbbbbbbb")
	assert.Contains(t, out, "waiting")
}

func TestReadyCommandFilters(t *testing.T) {
	notebookFixture(t)

	out := runCommand(t, readyCmd, "demo")
	assert.Contains(t, out, "aaaaaaaa")
	assert.NotContains(t, out, "bbbbbbbb")
}

func TestBlockedCommandEmpty(t *testing.T) {
	notebookFixture(t)

	out := runCommand(t, blockedCmd, "demo")
	assert.Contains(t, out, "no matching tasks")
}

func TestStatusCommandReportsStats(t *testing.T) {
	notebookFixture(t)

	out := runCommand(t, statusCmd)
	assert.Contains(t, out, "runner: not running")
	assert.Contains(t, out, "demo")
	assert.Contains(t, out, "total 2")
}

func TestStartDryRunReportsDispatch(t *testing.T) {
	notebookFixture(t)
	startDryRun = true
	t.Cleanup(func() { startDryRun = false })

	out := runCommand(t, startCmd)
	assert.Contains(t, out, "2 tasks")
	assert.Contains(t, out, "would dispatch aaaaaaaa")
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, buf.String(), "brain-runner")
}

func TestPrintLogLinesTailAndPassthrough(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	data := []byte(`{"time":"2026-08-24T10:00:00Z","level":"INFO","msg":"agent launched","task":"aaaaaaaa"}
not json at all
{"time":"2026-08-24T10:00:01Z","level":"WARN","msg":"retrying"}
`)
	printLogLines(cmd, data, 2)
	out := buf.String()

	assert.NotContains(t, out, "agent launched")
	assert.Contains(t, out, "not json at all")
	assert.Contains(t, out, "retrying")
	assert.Contains(t, out, "warn")
}

func TestPIDFileRoundTrip(t *testing.T) {
	viper.Reset()
	config.Load("")
	viper.Set("dir", t.TempDir())
	t.Cleanup(viper.Reset)
	s := config.FromViper()

	require.NoError(t, writePIDFile(s))
	pid, err := readPIDFile(s)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	removePIDFile(s)
	_, err = readPIDFile(s)
	assert.Error(t, err)
}
