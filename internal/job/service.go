// Package job runs the external generation tool: one run at a time, with
// output capture, artifact relocation and history recording.
package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/makeasinger/rhythmdeck/internal/history"
	"github.com/makeasinger/rhythmdeck/internal/model"
)

var (
	// ErrBusy is returned when another run holds the gate.
	ErrBusy = errors.New("busy")
	// ErrValidation marks requests rejected before anything was spawned.
	ErrValidation = errors.New("validation failed")
	// ErrInternal marks unexpected faults inside the run pipeline.
	ErrInternal = errors.New("internal error")
)

// ValidationError carries a human-readable reason and optional field tags.
type ValidationError struct {
	Reason string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ArtifactMirror publishes a finished artifact somewhere else.
type ArtifactMirror interface {
	Mirror(ctx context.Context, project, path string) (string, error)
}

// EventSink is notified about run lifecycle events.
type EventSink interface {
	RunStarted(runID, project string, at time.Time)
	RunFinished(runID, project string, result *model.RunResult)
	RunFailed(runID, project, code, message string)
}

// Options configures a Service.
type Options struct {
	// TmpDir holds per-run scratch directories.
	TmpDir string
	// Toolchain is consulted on every run so settings changes apply.
	Toolchain func() Toolchain
	Relocator *Relocator
	Validator *validator.Validate
	Mirror    ArtifactMirror
	Events    EventSink
	// Environ returns the host environment cloned for the child process.
	Environ func() []string
	// GOOS selects platform-specific environment tweaks.
	GOOS string
}

// Service is the run orchestrator.
type Service struct {
	gate      Gate
	executor  Executor
	ledger    *history.Ledger
	tmpDir    string
	toolchain func() Toolchain
	relocator *Relocator
	validate  *validator.Validate
	mirror    ArtifactMirror
	events    EventSink
	environ   func() []string
	goos      string

	mu      sync.Mutex
	current *model.RunStatus
}

// NewService wires a Service.
func NewService(gate Gate, executor Executor, ledger *history.Ledger, opts Options) *Service {
	s := &Service{
		gate:      gate,
		executor:  executor,
		ledger:    ledger,
		tmpDir:    opts.TmpDir,
		toolchain: opts.Toolchain,
		relocator: opts.Relocator,
		validate:  opts.Validator,
		mirror:    opts.Mirror,
		events:    opts.Events,
		environ:   opts.Environ,
		goos:      opts.GOOS,
	}
	if s.tmpDir == "" {
		s.tmpDir = filepath.Join(os.TempDir(), "rhythmdeck")
	}
	if s.toolchain == nil {
		s.toolchain = func() Toolchain { return Toolchain{Root: ".", Script: "infer/infer.py"} }
	}
	if s.relocator == nil {
		s.relocator = NewRelocator()
	}
	if s.validate == nil {
		s.validate = validator.New()
	}
	if s.environ == nil {
		s.environ = os.Environ
	}
	if s.goos == "" {
		s.goos = runtime.GOOS
	}
	return s
}

// Busy reports whether a run currently holds the gate.
func (s *Service) Busy() bool {
	return s.gate.Busy()
}

// Status describes the gate and the run holding it.
func (s *Service) Status() model.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return *s.current
	}
	return model.RunStatus{Busy: s.gate.Busy()}
}

// Validate checks req without touching the filesystem.
func (s *Service) Validate(req *model.JobRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			names := make([]string, 0, len(verrs))
			for _, e := range verrs {
				fields[e.Field()] = e.Tag()
				names = append(names, e.Field())
			}
			return &ValidationError{
				Reason: "invalid parameters: " + strings.Join(names, ", "),
				Fields: fields,
			}
		}
		return &ValidationError{Reason: err.Error()}
	}
	if err := req.CheckReference(); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

// TryRun executes one generation run for the project at projectDir. It
// returns ErrBusy immediately when another run holds the gate. The call
// blocks until the external tool exits.
func (s *Service) TryRun(ctx context.Context, projectDir string, req *model.JobRequest) (result *model.RunResult, err error) {
	release, ok, err := s.gate.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire job gate: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}
	defer release()

	runID := "run-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	project := filepath.Base(projectDir)
	started := false

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Run %s panicked for project %s: %v", runID, project, r)
			result = nil
			err = fmt.Errorf("%w: %v", ErrInternal, r)
			if started && s.events != nil {
				s.events.RunFailed(runID, project, "INTERNAL", err.Error())
			}
		}
	}()

	if err := s.Validate(req); err != nil {
		return nil, err
	}

	scratchDir := filepath.Join(s.tmpDir, runID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	startedAt := time.Now()
	s.setCurrent(&model.RunStatus{Busy: true, RunID: runID, Project: project, StartedAt: &startedAt})
	defer s.setCurrent(nil)

	if s.events != nil {
		s.events.RunStarted(runID, project, startedAt)
	}
	started = true

	result, err = s.execute(ctx, runID, scratchDir, projectDir, req)
	if s.events != nil {
		if err != nil {
			s.events.RunFailed(runID, project, "RUN_FAILED", err.Error())
		} else {
			s.events.RunFinished(runID, project, result)
		}
	}
	return result, err
}

func (s *Service) execute(ctx context.Context, runID, scratchDir, projectDir string, req *model.JobRequest) (*model.RunResult, error) {
	args, err := BuildArgs(req, scratchDir)
	if err != nil {
		return nil, err
	}

	spec := BuildProcessSpec(s.toolchain(), args, req.Params.Device, s.environ(), s.goos)
	header := PreLog(spec, req)

	log.Printf("Starting run %s for project %s: %s", runID, req.Project, spec.CommandLine())
	exitCode, output, err := s.executor.Execute(spec)
	if err != nil {
		return nil, fmt.Errorf("launch external tool: %w", err)
	}
	log.Printf("Run %s exited with code %d", runID, exitCode)

	var logs strings.Builder
	logs.WriteString(header)
	logs.Write(output)

	result := &model.RunResult{
		RunID:      runID,
		ReturnCode: exitCode,
	}

	finalPath, found, moveErr := s.relocator.Relocate(scratchDir, projectDir)
	switch {
	case moveErr != nil:
		log.Printf("Run %s: %v", runID, moveErr)
		fmt.Fprintf(&logs, "\n%s artifact move failed: %v\n", logPrefix, moveErr)
	case !found:
		fmt.Fprintf(&logs, "\n%s no artifact produced\n", logPrefix)
	default:
		result.OutFile = finalPath
		result.OutFileName = filepath.Base(finalPath)
	}

	result.OK = found && moveErr == nil && exitCode == 0

	if result.OK {
		entry := model.NewHistoryEntry(time.Now().Unix(), result.OutFileName, req)
		if err := s.ledger.Append(projectDir, entry); err != nil {
			log.Printf("Run %s: failed to record history: %v", runID, err)
			fmt.Fprintf(&logs, "\n%s history not recorded: %v\n", logPrefix, err)
		}

		if s.mirror != nil {
			url, err := s.mirror.Mirror(ctx, filepath.Base(projectDir), finalPath)
			if err != nil {
				log.Printf("Run %s: artifact mirror failed: %v", runID, err)
			} else {
				result.RemoteURL = url
			}
		}
	}

	result.Logs = logs.String()
	return result, nil
}

func (s *Service) setCurrent(status *model.RunStatus) {
	s.mu.Lock()
	s.current = status
	s.mu.Unlock()
}
