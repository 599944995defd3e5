package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/makeasinger/rhythmdeck/internal/history"
	"github.com/makeasinger/rhythmdeck/internal/model"
)

// fakeExecutor writes an artifact into the --output-dir argument.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    []ProcessSpec
	exitCode int
	artifact string
	output   string
	startErr error

	// block, when set, is waited on before returning.
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeExecutor) Execute(spec ProcessSpec) (int, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.startErr != nil {
		return -1, nil, f.startErr
	}

	if f.artifact != "" {
		for i, a := range spec.Args {
			if a == "--output-dir" && i+1 < len(spec.Args) {
				os.WriteFile(filepath.Join(spec.Args[i+1], f.artifact), []byte("RIFF"), 0o644)
			}
		}
	}
	return f.exitCode, []byte(f.output), nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) RunStarted(runID, project string, _ time.Time) {
	r.record("started:" + project)
}

func (r *recordingSink) RunFinished(runID, project string, result *model.RunResult) {
	r.record("finished:" + project)
}

func (r *recordingSink) RunFailed(runID, project, code, message string) {
	r.record("failed:" + code)
}

func (r *recordingSink) record(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

type testEnv struct {
	svc     *Service
	exec    *fakeExecutor
	ledger  *history.Ledger
	tmpDir  string
	project string
	sink    *recordingSink
}

func newTestEnv(t *testing.T, exec Executor) *testEnv {
	t.Helper()
	tmp := t.TempDir()
	project := filepath.Join(t.TempDir(), "Default")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}

	ledger := history.NewLedger()
	sink := &recordingSink{}
	svc := NewService(NewLocalGate(), exec, ledger, Options{
		TmpDir: tmp,
		Toolchain: func() Toolchain {
			return Toolchain{Root: "/opt/tool", Script: "infer/infer.py", PythonBin: "python"}
		},
		Events:  sink,
		Environ: func() []string { return []string{"PATH=/usr/bin"} },
		GOOS:    "linux",
	})

	env := &testEnv{svc: svc, ledger: ledger, tmpDir: tmp, project: project, sink: sink}
	if fe, ok := exec.(*fakeExecutor); ok {
		env.exec = fe
	}
	return env
}

func TestTryRun_Success(t *testing.T) {
	env := newTestEnv(t, &fakeExecutor{artifact: "output.wav", output: "done\n"})

	result, err := env.svc.TryRun(context.Background(), env.project, promptRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.OK || result.ReturnCode != 0 {
		t.Fatalf("expected success, got %+v", result)
	}
	if !strings.HasPrefix(result.RunID, "run-") || len(result.RunID) != len("run-")+8 {
		t.Errorf("unexpected run id %q", result.RunID)
	}
	if !strings.HasPrefix(result.OutFileName, "output-") || !strings.HasSuffix(result.OutFileName, ".wav") {
		t.Errorf("unexpected artifact name %q", result.OutFileName)
	}
	if result.OutFile != filepath.Join(env.project, result.OutFileName) {
		t.Errorf("unexpected artifact path %q", result.OutFile)
	}
	if _, err := os.Stat(result.OutFile); err != nil {
		t.Errorf("artifact missing: %v", err)
	}

	if !strings.HasPrefix(result.Logs, "[rhythmdeck] CMD:") {
		t.Errorf("logs should start with the command header: %q", result.Logs)
	}
	if !strings.HasSuffix(result.Logs, "done\n") {
		t.Errorf("logs should end with tool output: %q", result.Logs)
	}

	entries := env.ledger.Read(env.project)
	if len(entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(entries))
	}
	e := entries[0]
	if e.File != result.OutFileName || e.Steps != 56 || e.CFGStrength != 3.8 || e.AudioLength != 95 {
		t.Errorf("unexpected history entry %+v", e)
	}
	if e.Prompt == nil || *e.Prompt != "uplifting piano" {
		t.Errorf("expected prompt recorded, got %v", e.Prompt)
	}
	if e.RefAudio != nil {
		t.Errorf("expected no ref_audio, got %v", *e.RefAudio)
	}

	scratch, _ := os.ReadDir(env.tmpDir)
	if len(scratch) != 0 {
		t.Errorf("expected scratch cleaned, found %d entries", len(scratch))
	}
	if env.svc.Busy() {
		t.Error("gate should be released after the run")
	}
	if got := strings.Join(env.sink.events, ","); got != "started:Default,finished:Default" {
		t.Errorf("unexpected events %q", got)
	}
}

func TestTryRun_PassesEnvironment(t *testing.T) {
	env := newTestEnv(t, &fakeExecutor{artifact: "output.wav"})

	req := promptRequest()
	req.Params.Device = "1"
	if _, err := env.svc.TryRun(context.Background(), env.project, req); err != nil {
		t.Fatal(err)
	}

	spec := env.exec.calls[0]
	if spec.Getenv("CUDA_VISIBLE_DEVICES") != "1" {
		t.Errorf("device not passed: %v", spec.Env)
	}
	if !strings.HasPrefix(spec.Getenv("PYTHONPATH"), "/opt/tool") {
		t.Errorf("PYTHONPATH not prefixed: %v", spec.Env)
	}
	if spec.Dir != "/opt/tool" {
		t.Errorf("unexpected working dir %q", spec.Dir)
	}
}

func TestTryRun_NonZeroExit(t *testing.T) {
	env := newTestEnv(t, &fakeExecutor{artifact: "output.wav", exitCode: 1, output: "Traceback\n"})

	result, err := env.svc.TryRun(context.Background(), env.project, promptRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OK {
		t.Error("non-zero exit must not be ok")
	}
	if result.ReturnCode != 1 {
		t.Errorf("expected returncode 1, got %d", result.ReturnCode)
	}
	if !strings.Contains(result.Logs, "Traceback") {
		t.Error("expected tool output in logs")
	}
	if len(env.ledger.Read(env.project)) != 0 {
		t.Error("failed run must not be recorded")
	}
}

func TestTryRun_NoArtifact(t *testing.T) {
	env := newTestEnv(t, &fakeExecutor{})

	result, err := env.svc.TryRun(context.Background(), env.project, promptRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OK || result.OutFile != "" || result.OutFileName != "" {
		t.Errorf("expected failed result without artifact, got %+v", result)
	}
	if result.ReturnCode != 0 {
		t.Errorf("expected returncode 0, got %d", result.ReturnCode)
	}
	if len(env.ledger.Read(env.project)) != 0 {
		t.Error("run without artifact must not be recorded")
	}
}

func TestTryRun_StartFailure(t *testing.T) {
	env := newTestEnv(t, &fakeExecutor{startErr: errors.New("exec: \"python\": not found")})

	_, err := env.svc.TryRun(context.Background(), env.project, promptRequest())
	if err == nil {
		t.Fatal("expected launch error")
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrBusy) {
		t.Errorf("unexpected error class: %v", err)
	}
	if env.svc.Busy() {
		t.Error("gate should be released after a launch failure")
	}
	if got := strings.Join(env.sink.events, ","); got != "started:Default,failed:RUN_FAILED" {
		t.Errorf("unexpected events %q", got)
	}
}

func TestTryRun_Validation(t *testing.T) {
	env := newTestEnv(t, &fakeExecutor{artifact: "output.wav"})

	req := promptRequest()
	req.RefPrompt = ""
	_, err := env.svc.TryRun(context.Background(), env.project, req)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	req = promptRequest()
	req.Params.Steps = 0
	_, err = env.svc.TryRun(context.Background(), env.project, req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if verr.Fields["Steps"] != "gt" {
		t.Errorf("expected Steps field tag, got %v", verr.Fields)
	}

	if env.exec.callCount() != 0 {
		t.Error("executor must not run for invalid requests")
	}
	if entries, _ := os.ReadDir(env.tmpDir); len(entries) != 0 {
		t.Error("no scratch dir should be created for invalid requests")
	}
}

func TestTryRun_BusyRejectsImmediately(t *testing.T) {
	exec := &fakeExecutor{
		artifact: "output.wav",
		block:    make(chan struct{}),
		entered:  make(chan struct{}, 1),
	}
	env := newTestEnv(t, exec)

	firstDone := make(chan error, 1)
	go func() {
		_, err := env.svc.TryRun(context.Background(), env.project, promptRequest())
		firstDone <- err
	}()
	<-exec.entered

	if !env.svc.Busy() {
		t.Error("expected busy while a run is in progress")
	}
	status := env.svc.Status()
	if !status.Busy || status.Project != "Default" || status.RunID == "" {
		t.Errorf("unexpected status %+v", status)
	}

	_, err := env.svc.TryRun(context.Background(), env.project, promptRequest())
	if !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}

	scratch, _ := os.ReadDir(env.tmpDir)
	if len(scratch) != 1 {
		t.Errorf("rejected run must not create scratch, found %d dirs", len(scratch))
	}

	close(exec.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if exec.callCount() != 1 {
		t.Errorf("expected exactly one execution, got %d", exec.callCount())
	}
	if env.svc.Status().Busy {
		t.Error("expected idle status after run")
	}
}

// panickingExecutor panics on its first call and then delegates.
type panickingExecutor struct {
	next     Executor
	panicked bool
}

func (p *panickingExecutor) Execute(spec ProcessSpec) (int, []byte, error) {
	if !p.panicked {
		p.panicked = true
		panic("boom")
	}
	return p.next.Execute(spec)
}

func TestTryRun_PanicReleasesGate(t *testing.T) {
	env := newTestEnv(t, &panickingExecutor{next: &fakeExecutor{artifact: "output.wav"}})

	result, err := env.svc.TryRun(context.Background(), env.project, promptRequest())
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if result != nil {
		t.Errorf("expected no result, got %+v", result)
	}
	if env.svc.Busy() || env.svc.Status().Busy {
		t.Error("gate should be released after a fault")
	}
	if scratch, _ := os.ReadDir(env.tmpDir); len(scratch) != 0 {
		t.Errorf("expected scratch cleaned, found %d entries", len(scratch))
	}
	if got := strings.Join(env.sink.events, ","); got != "started:Default,failed:INTERNAL" {
		t.Errorf("unexpected events %q", got)
	}

	result, err = env.svc.TryRun(context.Background(), env.project, promptRequest())
	if err != nil || !result.OK {
		t.Fatalf("run after fault failed: %v %+v", err, result)
	}
	if n := len(env.ledger.Read(env.project)); n != 1 {
		t.Errorf("expected 1 history entry, got %d", n)
	}
}

func TestTryRun_SerialRunsGetDistinctArtifacts(t *testing.T) {
	env := newTestEnv(t, &fakeExecutor{artifact: "output.wav"})
	names := map[string]bool{}

	for i := 0; i < 3; i++ {
		result, err := env.svc.TryRun(context.Background(), env.project, promptRequest())
		if err != nil || !result.OK {
			t.Fatalf("run %d failed: %v %+v", i, err, result)
		}
		names[result.OutFileName] = true
	}

	if len(names) != 3 {
		t.Errorf("expected 3 distinct artifacts, got %v", names)
	}
	if n := len(env.ledger.Read(env.project)); n != 3 {
		t.Errorf("expected 3 history entries, got %d", n)
	}
}

func TestTryRun_RealProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	root := t.TempDir()
	script := filepath.Join(root, "infer", "infer.py")
	stub := `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output-dir" ]; then out="$2"; fi
  shift
done
echo "device=$CUDA_VISIBLE_DEVICES"
printf 'RIFF' > "$out/output.wav"
`
	if err := os.MkdirAll(filepath.Dir(script), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(script, []byte(stub), 0o644); err != nil {
		t.Fatal(err)
	}

	project := filepath.Join(t.TempDir(), "Default")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}

	svc := NewService(NewLocalGate(), ExecExecutor{}, history.NewLedger(), Options{
		TmpDir: t.TempDir(),
		Toolchain: func() Toolchain {
			return Toolchain{Root: root, Script: "infer/infer.py", PythonBin: "/bin/sh"}
		},
	})

	result, err := svc.TryRun(context.Background(), project, promptRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected success, logs:\n%s", result.Logs)
	}
	if !strings.Contains(result.Logs, "device=0") {
		t.Errorf("expected device in tool output:\n%s", result.Logs)
	}
}
