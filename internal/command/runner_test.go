package command

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nimbus-ops/agent-mon/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockRestarter records restart calls.
type mockRestarter struct {
	restarted []string
	err       error
}

func (m *mockRestarter) Restart(id string) error {
	if m.err != nil {
		return m.err
	}
	m.restarted = append(m.restarted, id)
	return nil
}

func newTestRunner(t *testing.T) (*Runner, *mockRestarter, string) {
	t.Helper()
	root := t.TempDir()
	agents := &mockRestarter{}
	r := NewRunner(Config{
		FileRoot:          root,
		ConfigReloadDelay: 10 * time.Millisecond,
		RatePerMinute:     600,
	}, agents, testLogger())
	return r, agents, root
}

func TestRun_AgentRestart(t *testing.T) {
	r, agents, _ := newTestRunner(t)

	result, err := r.Run(context.Background(), types.Command{
		Type:    types.CommandAgentRestart,
		AgentID: "agent-1",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(agents.restarted) != 1 || agents.restarted[0] != "agent-1" {
		t.Errorf("restarted = %v, want [agent-1]", agents.restarted)
	}
	if !strings.Contains(result, "agent-1") {
		t.Errorf("result %q does not mention agent id", result)
	}
}

func TestRun_AgentRestartNotFound(t *testing.T) {
	r, agents, _ := newTestRunner(t)
	agents.err = types.ErrNotFound

	if _, err := r.Run(context.Background(), types.Command{
		Type:    types.CommandAgentRestart,
		AgentID: "missing",
	}); err == nil {
		t.Fatal("expected error for missing agent")
	}
}

func TestRun_ConfigReload(t *testing.T) {
	r, _, _ := newTestRunner(t)

	result, err := r.Run(context.Background(), types.Command{Type: types.CommandConfigReload})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result == "" {
		t.Error("expected non-empty result")
	}
}

func TestRun_UnknownType(t *testing.T) {
	r, _, _ := newTestRunner(t)

	if _, err := r.Run(context.Background(), types.Command{Type: "bogus"}); err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

func TestRun_SystemCommand(t *testing.T) {
	r, _, _ := newTestRunner(t)

	result, err := r.Run(context.Background(), types.Command{
		Type:    types.CommandSystem,
		Command: "echo",
		Args:    []string{"hello"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "hello" {
		t.Errorf("result = %q, want hello", result)
	}
}

func TestRun_SystemCommandFailureReported(t *testing.T) {
	r, _, _ := newTestRunner(t)

	if _, err := r.Run(context.Background(), types.Command{
		Type:    types.CommandSystem,
		Command: "false",
	}); err == nil {
		t.Fatal("expected failure from exiting command")
	}
}

func TestRun_SystemCommandRequiresName(t *testing.T) {
	r, _, _ := newTestRunner(t)

	if _, err := r.Run(context.Background(), types.Command{Type: types.CommandSystem}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestFileOp_ReadBackupDelete(t *testing.T) {
	r, _, root := newTestRunner(t)

	path := filepath.Join(root, "config.yaml")
	if err := os.WriteFile(path, []byte("key: value\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	content, err := r.RunFileOp("config.yaml", "read")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if content != "key: value\n" {
		t.Errorf("read = %q", content)
	}

	if _, err := r.RunFileOp("config.yaml", "backup"); err != nil {
		t.Fatalf("backup: %v", err)
	}
	entries, _ := os.ReadDir(root)
	backupFound := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "config.yaml.backup-") {
			backupFound = true
		}
	}
	if !backupFound {
		t.Error("backup file not created")
	}

	if _, err := r.RunFileOp("config.yaml", "delete"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file still exists after delete")
	}
}

func TestFileOp_UnknownAction(t *testing.T) {
	r, _, _ := newTestRunner(t)

	if _, err := r.RunFileOp("anything", "truncate"); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestFileOp_PathConfinement(t *testing.T) {
	r, _, _ := newTestRunner(t)

	for _, path := range []string{"../escape", "../../etc/passwd", "/etc/passwd"} {
		if _, err := r.RunFileOp(path, "read"); err == nil {
			t.Errorf("path %q escaped the file root", path)
		}
	}
}

func TestScanDir(t *testing.T) {
	r, _, root := newTestRunner(t)

	os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644)
	os.Mkdir(filepath.Join(root, "sub"), 0o755)

	files, err := r.ScanDir("")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d entries, want 2", len(files))
	}

	byName := map[string]FileInfo{}
	for _, f := range files {
		byName[f.Name] = f
	}
	if f, ok := byName["a.txt"]; !ok || f.IsDir || f.Size != 1 {
		t.Errorf("a.txt entry wrong: %+v", f)
	}
	if d, ok := byName["sub"]; !ok || !d.IsDir {
		t.Errorf("sub entry wrong: %+v", d)
	}
}

func TestSystemCommandRateLimit(t *testing.T) {
	agents := &mockRestarter{}
	r := NewRunner(Config{
		FileRoot:      t.TempDir(),
		RatePerMinute: 1, // burst of 5, then refuse
	}, agents, testLogger())

	var limited bool
	for i := 0; i < 10; i++ {
		_, err := r.Run(context.Background(), types.Command{
			Type:    types.CommandSystem,
			Command: "true",
		})
		if err != nil && strings.Contains(err.Error(), "rate limit") {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("rate limiter never engaged")
	}
}
