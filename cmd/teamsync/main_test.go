package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentworkforce/teamsync/internal/config"
	"github.com/agentworkforce/teamsync/internal/teamsync"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "teamsync.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfigureLoggerFormats(t *testing.T) {
	level := new(slog.LevelVar)
	var jsonOut bytes.Buffer
	configureLogger(&jsonOut, "json", false, level).Info("hello", "k", "v")
	if !strings.HasPrefix(strings.TrimSpace(jsonOut.String()), "{") {
		t.Fatalf("expected JSON output, got %q", jsonOut.String())
	}

	var textOut bytes.Buffer
	configureLogger(&textOut, "json", true, level).Info("hello", "k", "v")
	if !strings.Contains(textOut.String(), "msg=hello") {
		t.Fatalf("expected text output with --dev, got %q", textOut.String())
	}
}

func TestConfigureLoggerFollowsLevelVar(t *testing.T) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	var out bytes.Buffer
	logger := configureLogger(&out, "text", false, level)
	logger.Info("hidden")
	if out.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", out.String())
	}
	level.Set(slog.LevelDebug)
	logger.Debug("visible")
	if !strings.Contains(out.String(), "visible") {
		t.Fatalf("expected debug line after level change, got %q", out.String())
	}
}

func TestBuildAppSeedsUsers(t *testing.T) {
	path := writeTestConfig(t, `
[store]
profile = "memory"

[[users]]
id = "u-1"
username = "ada"

[[users]]
id = "u-2"
username = "grace"
active = false
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	application, err := buildApp(context.Background(), cfg, slog.Default())
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer application.Close()

	if application.storeBackend != "memory" {
		t.Fatalf("expected memory backend, got %q", application.storeBackend)
	}
	active, err := application.gateway.ActiveUsers(context.Background())
	if err != nil {
		t.Fatalf("active users: %v", err)
	}
	if len(active) != 1 || active[0].ID != "u-1" {
		t.Fatalf("expected only u-1 active, got %+v", active)
	}
}

func TestImportCommandCreatesTasks(t *testing.T) {
	var sawAuth string
	tracker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/repos/acme/api/issues" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id": 11, "number": 1, "title": "First", "body": "one", "labels": [{"name": "bug"}]},
			{"id": 12, "number": 2, "title": "Second", "body": null, "labels": []}
		]`))
	}))
	defer tracker.Close()

	dataDir := t.TempDir()
	path := writeTestConfig(t, `
[store]
profile = "durable-local"
data_dir = "`+filepath.ToSlash(dataDir)+`"

[tracker]
base_url = "`+tracker.URL+`"

[log]
level = "error"
`)

	run := func() teamsync.ImportResult {
		t.Helper()
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"import", "acme/api", "--config", path, "--token", "gh-token", "--as", "u-1"})
		if err := cmd.Execute(); err != nil {
			t.Fatalf("import command: %v", err)
		}
		var result teamsync.ImportResult
		if err := json.Unmarshal(out.Bytes(), &result); err != nil {
			t.Fatalf("decode output %q: %v", out.String(), err)
		}
		return result
	}

	first := run()
	if first.ImportedCount != 2 {
		t.Fatalf("expected 2 imported tasks, got %d", first.ImportedCount)
	}
	if sawAuth != "Bearer gh-token" {
		t.Fatalf("expected bearer token on tracker request, got %q", sawAuth)
	}

	second := run()
	if second.ImportedCount != 0 {
		t.Fatalf("re-import should be idempotent, got %d", second.ImportedCount)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "documents.json")); err != nil {
		t.Fatalf("expected durable document snapshot: %v", err)
	}
}

func TestImportCommandRejectsBadRepository(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"import", "acme"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error for repository without owner")
	}
}

func TestRunServeRequiresJWTSecret(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Server.JWTSecret = ""
	err = runServe(context.Background(), "", cfg, new(slog.LevelVar), slog.Default())
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("expected jwt secret error, got %v", err)
	}
}

func TestApplyReloadChangesLevelAndFlagsRestartFields(t *testing.T) {
	running, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	updated := *running
	updated.Log.Level = "debug"
	updated.Server.Addr = ":9999"
	updated.Inbox.Workers = running.Inbox.Workers + 1

	fields := restartRequired(running, &updated)
	if strings.Join(fields, ",") != "server.addr,inbox" {
		t.Fatalf("unexpected restart fields: %v", fields)
	}

	level := new(slog.LevelVar)
	var out bytes.Buffer
	applyReload(running, &updated, level, slog.New(slog.NewTextHandler(&out, nil)))
	if level.Level() != slog.LevelDebug {
		t.Fatalf("expected debug level after reload, got %s", level.Level())
	}
	if !strings.Contains(out.String(), "requires restart") {
		t.Fatalf("expected restart warning, got %q", out.String())
	}
}
