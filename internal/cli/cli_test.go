package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repolizer/internal/checks"
	"repolizer/internal/config"
	"repolizer/internal/data"
	"repolizer/internal/flags"
	"repolizer/internal/jobs"
	"repolizer/internal/output"
)

func init() {
	color.NoColor = true
}

func testRegistry(t *testing.T) *checks.Registry {
	t.Helper()
	cfg := config.New()
	f, err := newFetcher(context.Background(), cfg, "", newLogger(cfg, io.Discard))
	require.NoError(t, err)
	reg, err := newRegistry(cfg, f, "", newLogger(cfg, io.Discard))
	require.NoError(t, err)
	return reg
}

func TestNewRegistry_BuiltinAndExternal(t *testing.T) {
	reg := testRegistry(t)
	_, ok := reg.Lookup("documentation", "readme")
	assert.True(t, ok)
	def, ok := reg.Lookup("documentation", "description")
	require.True(t, ok)
	assert.Equal(t, data.LocalityRemote, def.Locality)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "custom"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom", "hello.sh"), []byte("#!/bin/sh\necho '{\"score\": 1}'\n"), 0o755))
	cfg := config.New()
	cfg.Selection.ChecksDir = dir
	reg, err := newRegistry(cfg, nil, "", newLogger(cfg, io.Discard))
	require.NoError(t, err)
	def, ok = reg.Lookup("custom", "hello")
	require.True(t, ok)
	assert.Equal(t, data.LocalityLocal, def.Locality)
	_, ok = reg.Lookup("documentation", "description")
	assert.False(t, ok, "remote builtins need an API")
}

func TestLookupCheck(t *testing.T) {
	reg := testRegistry(t)

	def, ok := lookupCheck(reg, "documentation/readme")
	require.True(t, ok)
	assert.Equal(t, "readme", def.Name)

	def, ok = lookupCheck(reg, "license_file")
	require.True(t, ok)
	assert.Equal(t, "licensing", def.Category)

	_, ok = lookupCheck(reg, "nope/readme")
	assert.False(t, ok)
	_, ok = lookupCheck(reg, "missing")
	assert.False(t, ok)
}

func TestPrintCheck(t *testing.T) {
	var buf bytes.Buffer
	printCheck(&buf, checks.Definition{
		Name:        "description",
		Category:    "documentation",
		Label:       "Repository description",
		Description: "Verifies that the repository has a description.",
		Locality:    data.LocalityRemote,
		Resource:    "core",
		Source:      "builtin",
	})
	out := buf.String()
	for _, want := range []string{
		"CHECK: documentation/description",
		"Repository description",
		"Verifies that the repository has a description.",
		"Locality: remote",
		"Resource: core",
		"Source:   builtin",
	} {
		assert.Contains(t, out, want)
	}

	buf.Reset()
	printCheck(&buf, checks.Definition{Name: "readme", Category: "documentation", Locality: data.LocalityLocal, Source: "builtin"})
	assert.NotContains(t, buf.String(), "Resource:")
}

func TestNewLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	cfg := config.New()
	cfg.Log.Format = "json"
	logger := newLogger(cfg, &buf)
	logger.Debug("hidden")
	logger.Info("shown", "k", "v")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])

	buf.Reset()
	cfg.Log.Format = "text"
	cfg.Log.Verbose = true
	logger = newLogger(cfg, &buf)
	logger.Debug("visible")
	assert.Contains(t, buf.String(), "level=DEBUG")
}

func testApp(t *testing.T, repos []data.Repository) (*app, string) {
	t.Helper()
	dir := t.TempDir()
	source := filepath.Join(dir, "repos.jsonl")
	var b strings.Builder
	for _, r := range repos {
		line, err := json.Marshal(r)
		require.NoError(t, err)
		b.Write(line)
		b.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(source, []byte(b.String()), 0o644))

	cfg := config.New()
	cfg.Selection.Source = source
	cfg.Selection.Checks = []string{"license_file"}
	cfg.Output.Path = filepath.Join(dir, "results.jsonl")
	cfg.Runtime.WorkDir = filepath.Join(dir, "work")
	cfg.GitHub.Token = "test-token"
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, newLogger(cfg, io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, cfg.Output.Path
}

func TestRunJob_RecordsProgressAndCompletes(t *testing.T) {
	repos := []data.Repository{{ID: "1", FullName: "octo/one"}, {ID: "2", FullName: "octo/two"}}
	a, results := testApp(t, repos)

	loaded, err := a.loadRepositories()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	table := jobs.NewTable()
	var console bytes.Buffer
	out := output.NewManager()
	require.NoError(t, out.AddSink(output.NewConsoleSink(&console, "text", nil)))

	require.NoError(t, runJob(context.Background(), a, table, loaded, out))

	list := table.List()
	require.Len(t, list, 1)
	job := list[0]
	assert.Equal(t, jobs.StateCompleted, job.State)
	assert.Equal(t, jobs.Progress{Done: 2, Total: 2}, job.Progress)
	assert.Equal(t, 2, job.Completed+job.Failed)
	require.NotNil(t, job.Report)

	assert.Contains(t, console.String(), "octo/one")
	assert.Contains(t, console.String(), "octo/two")
	assert.Len(t, readLines(t, results), 2)
}

func TestRunJob_CancelledJobIsErrored(t *testing.T) {
	a, _ := testApp(t, []data.Repository{{ID: "1"}})
	table := jobs.NewTable()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, runJob(ctx, a, table, []data.Repository{{ID: "1"}}, output.NewManager()))

	job := table.List()[0]
	assert.Equal(t, jobs.StateError, job.State)
	assert.Contains(t, job.Error, "context canceled")
}

func TestLoadRepositories_EmptySourceIsConfigError(t *testing.T) {
	a, _ := testApp(t, nil)
	_, err := a.loadRepositories()
	require.ErrorIs(t, err, config.ErrConfiguration)
}

func TestServeFlags(t *testing.T) {
	exit := serveCmd.Flags().Lookup(flags.FlagExitWhenDone)
	require.NotNil(t, exit)
	assert.Equal(t, "false", exit.DefValue)

	listen := serveCmd.Flags().Lookup(flags.FlagListen)
	require.NotNil(t, listen)
	assert.Equal(t, ":8080", listen.DefValue)

	assert.NotNil(t, serveCmd.Flags().Lookup(flags.FlagProcessAll), "serve forces --process-all on its own flag set")
}

func TestVersionCommand(t *testing.T) {
	SetBuildInfo("1.2.3", "abc123", "2024-01-01")
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "repolizer 1.2.3\ncommit: abc123\nbuilt:  2024-01-01\n", buf.String())
}
