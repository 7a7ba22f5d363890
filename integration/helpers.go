//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

// Env is a throwaway data dir with a config pointing at a fake gateway
type Env struct {
	Dir        string
	ConfigPath string
	Gateway    *FakeGateway
}

// FakeGateway answers readiness and ping requests
type FakeGateway struct {
	*httptest.Server
	Pings    atomic.Int32
	Failures map[string]string // account id -> raw error string
	NotReady string            // raw readiness error, empty when ready
}

// NewFakeGateway starts a gateway that replies "pong" unless the account
// has a configured failure
func NewFakeGateway(t *testing.T) *FakeGateway {
	t.Helper()
	g := &FakeGateway{Failures: map[string]string{}}
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/wakeup/ready":
			if g.NotReady != "" {
				w.WriteHeader(http.StatusPreconditionFailed)
				json.NewEncoder(w).Encode(map[string]string{"error": g.NotReady})
				return
			}
			w.Write([]byte(`{}`))
		case "/wakeup/ping":
			g.Pings.Add(1)
			var req struct {
				AccountID string `json:"accountId"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			if raw, ok := g.Failures[req.AccountID]; ok {
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{"error": raw})
				return
			}
			w.Write([]byte(`{"reply":"pong","totalTokens":4,"durationMs":15}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(g.Close)
	return g
}

// NewEnv writes a config and a registry with the given accounts
func NewEnv(t *testing.T, accounts map[string]string) *Env {
	t.Helper()
	dir := t.TempDir()
	gw := NewFakeGateway(t)

	type account struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	reg := struct {
		Accounts []account          `json:"accounts"`
		Models   []map[string]string `json:"models"`
	}{Models: []map[string]string{{"id": "gemini-flash", "displayName": "Gemini Flash"}}}
	for id, email := range accounts {
		reg.Accounts = append(reg.Accounts, account{ID: id, Email: email})
	}
	data, err := json.Marshal(reg)
	if err != nil {
		t.Fatalf("Failed to encode registry: %v", err)
	}
	registryPath := filepath.Join(dir, "registry.json")
	if err := os.WriteFile(registryPath, data, 0o644); err != nil {
		t.Fatalf("Failed to write registry: %v", err)
	}

	config := `[general]
data_dir = "` + dir + `"
database_path = "` + filepath.Join(dir, "wakeup.db") + `"

[gateway]
base_url = "` + gw.URL + `"
timeout = "5s"
attempts = 1

[history]
backend = "sqlite"

[notifications]
desktop = false

[registry]
path = "` + registryPath + `"
watch = false

[log]
level = "error"
`
	configPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return &Env{Dir: dir, ConfigPath: configPath, Gateway: gw}
}

// Run executes the CLI with the env's config and fails the test on error
func (e *Env) Run(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	if err != nil {
		t.Fatalf("%s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func (e *Env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(binaryPath(t), append(args, "--config", e.ConfigPath)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// WriteFile stores data under the env dir and returns its path
func (e *Env) WriteFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(e.Dir, name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}
