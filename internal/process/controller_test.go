package process

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randomizedcoder/go-autodetect/internal/errkind"
	"github.com/randomizedcoder/go-autodetect/internal/logging"
)

// =============================================================================
// Test runners
// =============================================================================

// scriptRunner runs a bash script in place of the engine.
type scriptRunner struct {
	script   string
	buildErr error
}

func (r *scriptRunner) BuildCommand(jobID string) (*exec.Cmd, error) {
	if r.buildErr != nil {
		return nil, r.buildErr
	}
	cmd := exec.Command("bash", "-c", r.script)
	cmd.Env = []string{"HOME=/tmp"}
	return cmd, nil
}

func (r *scriptRunner) Name() string { return "script" }

// docSink collects state documents.
type docSink struct {
	mu   sync.Mutex
	docs []string
}

func (s *docSink) PersistState(_ context.Context, _ string, doc []byte) error {
	s.mu.Lock()
	s.docs = append(s.docs, string(doc))
	s.mu.Unlock()
	return nil
}

func (s *docSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.docs...)
}

func startScript(t *testing.T, script string, mutate func(*Config)) *Controller {
	t.Helper()
	cfg := Config{
		JobID:           "test-job",
		Runner:          &scriptRunner{script: script},
		Logger:          logging.Discard(),
		LogDrainTimeout: time.Second,
		StopGrace:       2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		c.Kill()
		<-c.Exited()
		c.Release()
	})
	return c
}

// =============================================================================
// Lifecycle
// =============================================================================

// A well-behaved engine: reads input until EOF, persists state, exits.
const cleanEngine = `cat > /dev/null
printf 'doc-1\0doc-2\0' >&3
echo '{"level":"INFO","message":"exiting"}' >&2`

func TestController_CleanClose(t *testing.T) {
	sink := &docSink{}
	var crashes atomic.Int32
	exitCodes := make(chan int, 1)

	c := startScript(t, cleanEngine, func(cfg *Config) {
		cfg.StateSink = sink
		cfg.Callbacks.OnCrash = func(string, error) { crashes.Add(1) }
		cfg.Callbacks.OnExit = func(_ string, code int, _ time.Duration) { exitCodes <- code }
	})

	if !c.IsAlive() {
		t.Fatal("IsAlive() = false right after start")
	}
	if c.StartTime().IsZero() || c.Pid() <= 0 {
		t.Error("start time and pid should be set")
	}

	if err := c.Close(context.Background(), false, "test"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if c.IsAlive() {
		t.Error("IsAlive() = true after Close")
	}
	if got := sink.all(); len(got) != 2 || got[0] != "doc-1" || got[1] != "doc-2" {
		t.Errorf("state docs = %q, want [doc-1 doc-2]", got)
	}
	if c.StateDocs() != 2 {
		t.Errorf("StateDocs() = %d, want 2", c.StateDocs())
	}
	if crashes.Load() != 0 {
		t.Error("crash callback fired for an orderly close")
	}
	if c.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d, want 0", c.ExitCode())
	}
	select {
	case code := <-exitCodes:
		if code != 0 {
			t.Errorf("OnExit code = %d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Error("OnExit not called")
	}
}

func TestController_CloseIdempotent(t *testing.T) {
	c := startScript(t, `cat > /dev/null; echo '{"level":"FATAL","message":"bad model"}' >&2`, nil)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Close(context.Background(), false, "concurrent")
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			if !errors.Is(err, errkind.ErrProcessCrashed) {
				t.Errorf("Close() error = %v, want ProcessCrashed", err)
			}
		}
	}
	if failures != 1 {
		t.Errorf("%d Close calls reported the fatal error, want exactly 1", failures)
	}
	if err := c.Close(context.Background(), false, "again"); err != nil {
		t.Errorf("later Close() = %v, want nil", err)
	}
}

func TestController_InputOutput(t *testing.T) {
	c := startScript(t, `cat`, nil)

	if _, err := io.WriteString(c.Input(), "hello engine\n"); err != nil {
		t.Fatalf("write input: %v", err)
	}
	if err := c.Close(context.Background(), false, "done"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	out, err := io.ReadAll(c.Output())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(out) != "hello engine\n" {
		t.Errorf("output = %q", out)
	}
}

// =============================================================================
// Crash detection
// =============================================================================

func TestController_CrashCallbackOnce(t *testing.T) {
	var crashes atomic.Int32
	crashed := make(chan error, 4)

	c := startScript(t, `echo '{"level":"ERROR","message":"cannot allocate"}' >&2
echo '{"level":"FATAL","message":"corrupt state"}' >&2
exit 3`, func(cfg *Config) {
		cfg.Callbacks.OnCrash = func(jobID string, err error) {
			crashes.Add(1)
			crashed <- err
		}
	})

	select {
	case err := <-crashed:
		if !errors.Is(err, errkind.ErrProcessCrashed) {
			t.Errorf("crash error = %v, want ProcessCrashed", err)
		}
		if !strings.Contains(err.Error(), "corrupt state") {
			t.Errorf("crash error = %v, want the fatal message", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("crash callback not called")
	}

	if c.IsAlive() {
		t.Error("IsAlive() = true after crash")
	}
	<-c.Exited()
	if c.ExitCode() != 3 {
		t.Errorf("ExitCode() = %d, want 3", c.ExitCode())
	}

	err := c.Close(context.Background(), true, "restart after crash")
	if !errors.Is(err, errkind.ErrProcessCrashed) {
		t.Errorf("Close() error = %v, want ProcessCrashed from fatal marker", err)
	}

	time.Sleep(50 * time.Millisecond)
	if crashes.Load() != 1 {
		t.Errorf("crash callback called %d times, want 1", crashes.Load())
	}
	if got := c.RecentErrors(); len(got) != 2 {
		t.Errorf("RecentErrors() = %q, want the error and fatal lines", got)
	}
}

func TestController_KillDoesNotReportCrash(t *testing.T) {
	var crashes atomic.Int32
	c := startScript(t, `sleep 30`, func(cfg *Config) {
		cfg.Callbacks.OnCrash = func(string, error) { crashes.Add(1) }
	})

	c.Kill()
	if c.IsAlive() {
		t.Error("IsAlive() = true immediately after Kill")
	}
	if !c.Killed() {
		t.Error("Killed() = false")
	}

	select {
	case <-c.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped after Kill")
	}
	if c.ExitCode() != 137 {
		t.Errorf("ExitCode() = %d, want 137 (SIGKILL)", c.ExitCode())
	}
	if err := c.Close(context.Background(), false, "after kill"); err != nil {
		t.Errorf("Close() after Kill = %v", err)
	}
	if crashes.Load() != 0 {
		t.Error("crash callback fired after Kill")
	}
}

// =============================================================================
// Bounded shutdown
// =============================================================================

func TestController_StatePersistTimeout(t *testing.T) {
	release := make(chan struct{})
	sink := StateSinkFunc(func(ctx context.Context, jobID string, doc []byte) error {
		<-release
		return nil
	})

	c := startScript(t, `cat > /dev/null; printf 'big-doc\0' >&3`, func(cfg *Config) {
		cfg.StateSink = sink
		cfg.StatePersistTimeout = 100 * time.Millisecond
	})
	defer close(release)

	start := time.Now()
	if err := c.Close(context.Background(), false, "slow sink"); err != nil {
		t.Errorf("Close() error = %v, want nil after state timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Close() took %v; state wait should be bounded", elapsed)
	}
}

func TestController_CloseTerminatesStuckEngine(t *testing.T) {
	c := startScript(t, `sleep 30`, func(cfg *Config) {
		cfg.StatePersistTimeout = 50 * time.Millisecond
		cfg.LogDrainTimeout = 50 * time.Millisecond
		cfg.StopGrace = 200 * time.Millisecond
	})

	start := time.Now()
	if err := c.Close(context.Background(), false, "stuck"); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Close() took %v", elapsed)
	}
	code := c.ExitCode()
	if code != 143 && code != 137 {
		t.Errorf("ExitCode() = %d, want a signal exit", code)
	}
}

// =============================================================================
// Start failures and environment
// =============================================================================

func TestStart_BuildError(t *testing.T) {
	_, err := Start(Config{
		JobID:  "bad",
		Runner: &scriptRunner{buildErr: errors.New("no detectors")},
		Logger: logging.Discard(),
	})
	if !errors.Is(err, errkind.ErrConfig) {
		t.Errorf("Start() error = %v, want ConfigError", err)
	}
}

func TestStart_NilRunner(t *testing.T) {
	if _, err := Start(Config{JobID: "x"}); !errors.Is(err, errkind.ErrConfig) {
		t.Errorf("Start() error = %v, want ConfigError", err)
	}
}

func TestStart_MissingBinary(t *testing.T) {
	cfg := testEngineConfig()
	cfg.BinaryPath = "/nonexistent/autodetect"
	cfg.HomeDir = t.TempDir()
	_, err := Start(Config{JobID: "x", Runner: NewEngineRunner(cfg), Logger: logging.Discard()})
	if !errors.Is(err, errkind.ErrIO) {
		t.Errorf("Start() error = %v, want IOError", err)
	}
}

func TestController_RestrictedEnvironment(t *testing.T) {
	t.Setenv("AUTODETECT_TEST_SECRET", "leak")

	cfg := testEngineConfig()
	cfg.HomeDir = t.TempDir()
	cfg.BinaryPath = writeScript(t, `env; cat > /dev/null`)

	c, err := Start(Config{JobID: "env-job", Runner: NewEngineRunner(cfg), Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Release()

	if err := c.Close(context.Background(), false, "done"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	out, _ := io.ReadAll(c.Output())
	env := string(out)
	if strings.Contains(env, "AUTODETECT_TEST_SECRET") {
		t.Error("parent environment leaked into the engine")
	}
	if !strings.Contains(env, "HOME="+cfg.HomeDir) {
		t.Errorf("HOME not set, env:\n%s", env)
	}
}

func TestSplitNUL(t *testing.T) {
	tests := []struct {
		data      string
		atEOF     bool
		advance   int
		token     string
		wantToken bool
	}{
		{"abc\x00def", false, 4, "abc", true},
		{"abc", false, 0, "", false},
		{"abc", true, 3, "abc", true},
		{"", true, 0, "", false},
	}
	for _, tt := range tests {
		adv, tok, err := splitNUL([]byte(tt.data), tt.atEOF)
		if err != nil {
			t.Fatalf("splitNUL(%q) error = %v", tt.data, err)
		}
		if adv != tt.advance || (tok != nil) != tt.wantToken || string(tok) != tt.token {
			t.Errorf("splitNUL(%q, %v) = %d, %q", tt.data, tt.atEOF, adv, tok)
		}
	}
}
