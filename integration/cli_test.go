//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/hochfrequenz/wakeup-engine/internal/wakeuperr"
)

// binaryPath returns the path to the built CLI binary
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../wakeup-engine",
		"./wakeup-engine",
		filepath.Join(os.Getenv("GOPATH"), "bin", "wakeup-engine"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../wakeup-engine", "../cmd/wakeup-engine")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../wakeup-engine")
	return abs
}

func TestCLI_LegacyImportAndPreview(t *testing.T) {
	env := NewEnv(t, map[string]string{"acc-1": "one@example.com"})
	legacy := env.WriteFile(t, "legacy.json",
		`{"enabled":true,"repeatMode":"daily","dailyTimes":["07:30","19:00"],"selectedModels":["gemini-flash"],"selectedAccounts":["acc-1"]}`)

	out := env.Run(t, "tasks", "import-legacy", legacy)
	if !strings.Contains(out, "Imported task") {
		t.Fatalf("Expected import confirmation, got: %s", out)
	}

	out = env.Run(t, "tasks", "import-legacy", legacy)
	if !strings.Contains(out, "Nothing to import") {
		t.Errorf("Second import should be a no-op, got: %s", out)
	}

	out = env.Run(t, "tasks", "list")
	if !strings.Contains(out, "Legacy schedule") || !strings.Contains(out, "scheduled") {
		t.Errorf("Expected the imported task in list, got: %s", out)
	}

	id := regexp.MustCompile(`(?m)^(\S+)\s+Legacy schedule`).FindStringSubmatch(out)
	if id == nil {
		t.Fatalf("Could not find task id in: %s", out)
	}
	out = env.Run(t, "preview", id[1], "-n", "3")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 preview lines, got %d: %s", len(lines), out)
	}
	for _, l := range lines {
		if !strings.HasSuffix(l, "07:30") && !strings.HasSuffix(l, "19:00") {
			t.Errorf("Unexpected run time %q", l)
		}
	}
}

func TestCLI_PingWritesHistory(t *testing.T) {
	env := NewEnv(t, map[string]string{"acc-1": "one@example.com", "acc-2": "two@example.com"})

	out := env.Run(t, "wakeup", "ping", "--account", "acc-1,acc-2", "--model", "gemini-flash")
	if !strings.Contains(out, "2 succeeded, 0 failed") {
		t.Errorf("Expected two successes, got: %s", out)
	}
	if got := env.Gateway.Pings.Load(); got != 2 {
		t.Errorf("Gateway saw %d pings, want 2", got)
	}

	out = env.Run(t, "history")
	if !strings.Contains(out, "one@example.com") || !strings.Contains(out, "two@example.com") {
		t.Errorf("History missing accounts: %s", out)
	}
	if !strings.Contains(out, "manual") {
		t.Errorf("History should record the manual source: %s", out)
	}

	env.Run(t, "history", "clear")
	out = env.Run(t, "history")
	if strings.Contains(out, "example.com") {
		t.Errorf("History should be empty after clear: %s", out)
	}
}

func TestCLI_VerifyBatch(t *testing.T) {
	env := NewEnv(t, map[string]string{"acc-1": "one@example.com", "acc-2": "two@example.com"})
	env.Gateway.Failures["acc-2"] = wakeuperr.ErrorPrefix +
		`{"version":1,"kind":"verification_required","message":"verify","errorCode":403,"validationUrl":"https://example.com/verify"}`

	out := env.Run(t, "verify")
	if !strings.Contains(out, "1 success, 1 verification required, 0 failed") {
		t.Fatalf("Unexpected verify summary: %s", out)
	}
	batchID := regexp.MustCompile(`Batch (verify_\d+)`).FindStringSubmatch(out)
	if batchID == nil {
		t.Fatalf("No batch id in: %s", out)
	}

	out = env.Run(t, "batches")
	if !strings.Contains(out, batchID[1]) {
		t.Errorf("Batch list missing %s: %s", batchID[1], out)
	}

	out = env.Run(t, "batches", "show", batchID[1], "--filter", "verification_required")
	if !strings.Contains(out, "two@example.com") || strings.Contains(out, "one@example.com") {
		t.Errorf("Filtered batch should only list two@example.com: %s", out)
	}
	if !strings.Contains(out, "https://example.com/verify") {
		t.Errorf("Validation link missing: %s", out)
	}

	out = env.Run(t, "batches", "state")
	if !strings.Contains(out, "success") || !strings.Contains(out, "verification_required") {
		t.Errorf("State should reflect the batch: %s", out)
	}

	out = env.Run(t, "batches", "delete", batchID[1])
	if !strings.Contains(out, "Deleted 1 batches") {
		t.Errorf("Unexpected delete output: %s", out)
	}
}

func TestCLI_WakeupSwitch(t *testing.T) {
	env := NewEnv(t, nil)

	env.Run(t, "wakeup", "on")
	out := env.Run(t, "tasks", "list")
	if !strings.Contains(out, "Wakeups globally enabled") {
		t.Errorf("Expected enabled, got: %s", out)
	}

	env.Run(t, "wakeup", "off")
	out = env.Run(t, "tasks", "list")
	if !strings.Contains(out, "Wakeups globally disabled") {
		t.Errorf("Expected disabled, got: %s", out)
	}
}

func TestCLI_VerifyWithoutAccountsFails(t *testing.T) {
	env := NewEnv(t, nil)
	if out, err := env.run(t, "verify"); err == nil {
		t.Errorf("verify without accounts should fail, got: %s", out)
	}
}

func TestCLI_PingNeedsReadyRuntime(t *testing.T) {
	env := NewEnv(t, map[string]string{"acc-1": "one@example.com"})
	env.Gateway.NotReady = wakeuperr.PathNotFoundPrefix + "antigravity"

	out, err := env.run(t, "wakeup", "ping", "--account", "acc-1", "--model", "gemini-flash")
	if err == nil {
		t.Fatalf("ping with a missing runtime should fail, got: %s", out)
	}
	if !strings.Contains(out, "antigravity") {
		t.Errorf("Expected the app name in the error, got: %s", out)
	}
	if got := env.Gateway.Pings.Load(); got != 0 {
		t.Errorf("Gateway saw %d pings, want 0", got)
	}

	out = env.Run(t, "history")
	if strings.Contains(out, "one@example.com") {
		t.Errorf("No history should be written: %s", out)
	}
}
