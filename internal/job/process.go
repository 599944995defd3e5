package job

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/makeasinger/rhythmdeck/internal/model"
)

const (
	envPythonPath = "PYTHONPATH"
	envDevice     = "CUDA_VISIBLE_DEVICES"
	envEspeak     = "PHONEMIZER_ESPEAK_LIBRARY"

	darwinEspeakLibrary = "/opt/homebrew/Cellar/espeak-ng/1.52.0/lib/libespeak-ng.dylib"

	logPrefix = "[rhythmdeck]"
)

// ProcessSpec fully describes one external process launch.
type ProcessSpec struct {
	Executable string
	Args       []string
	Dir        string
	Env        []string
}

// Argv returns the executable followed by its arguments.
func (s ProcessSpec) Argv() []string {
	return append([]string{s.Executable}, s.Args...)
}

// CommandLine returns the shell-quoted command line.
func (s ProcessSpec) CommandLine() string {
	return shellquote.Join(s.Argv()...)
}

// Getenv returns the value of key in the process environment.
func (s ProcessSpec) Getenv(key string) string {
	v, _ := lookupEnv(s.Env, key)
	return v
}

// Executor runs a process to completion and returns its exit code and
// combined stdout/stderr. A non-zero exit is not an error; failing to start is.
type Executor interface {
	Execute(spec ProcessSpec) (exitCode int, output []byte, err error)
}

// ExecExecutor runs processes with os/exec. Runs are not cancellable and have
// no timeout: the call returns only when the process exits.
type ExecExecutor struct{}

func (ExecExecutor) Execute(spec ProcessSpec) (int, []byte, error) {
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), out.Bytes(), nil
	}
	if err != nil {
		return -1, out.Bytes(), fmt.Errorf("run %s: %w", spec.Executable, err)
	}
	return 0, out.Bytes(), nil
}

// Toolchain locates the external tool.
type Toolchain struct {
	// Root is the directory containing the tool; runs use it as working dir.
	Root string
	// Script is the entry point, relative to Root.
	Script string
	// PythonBin overrides interpreter discovery when set.
	PythonBin string
}

// ScriptPath returns the absolute entry point path.
func (t Toolchain) ScriptPath() string {
	if filepath.IsAbs(t.Script) {
		return t.Script
	}
	return filepath.Join(t.Root, t.Script)
}

// Interpreter picks the python binary: explicit override, then a virtualenv
// under Root, then python3 from PATH.
func (t Toolchain) Interpreter(goos string) string {
	if bin := strings.TrimSpace(t.PythonBin); bin != "" {
		return bin
	}

	var candidates []string
	if goos == "windows" {
		candidates = []string{
			filepath.Join(t.Root, "venv", "Scripts", "python.exe"),
			filepath.Join(t.Root, ".venv", "Scripts", "python.exe"),
		}
	} else {
		candidates = []string{
			filepath.Join(t.Root, "venv", "bin", "python"),
			filepath.Join(t.Root, ".venv", "bin", "python"),
		}
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "python3"
}

// BuildProcessSpec combines the toolchain, the tool flags and the host
// environment into a launch description.
func BuildProcessSpec(tc Toolchain, args []string, device string, hostEnv []string, goos string) ProcessSpec {
	env := append([]string(nil), hostEnv...)

	existing, _ := lookupEnv(env, envPythonPath)
	env = setEnv(env, envPythonPath, tc.Root+string(os.PathListSeparator)+existing)

	if device != "" {
		env = setEnv(env, envDevice, device)
	}
	if goos == "darwin" {
		if _, ok := lookupEnv(env, envEspeak); !ok {
			env = setEnv(env, envEspeak, darwinEspeakLibrary)
		}
	}

	return ProcessSpec{
		Executable: tc.Interpreter(goos),
		Args:       append([]string{tc.ScriptPath()}, args...),
		Dir:        tc.Root,
		Env:        env,
	}
}

// PreLog renders the header prepended to every run's captured output.
func PreLog(spec ProcessSpec, req *model.JobRequest) string {
	ref := "prompt"
	if req.RefAudioPath != "" {
		ref = "audio"
	}
	p := req.Params

	var b strings.Builder
	fmt.Fprintf(&b, "%s CMD: %s\n", logPrefix, spec.CommandLine())
	fmt.Fprintf(&b, "%s ENV: %s=%s\n", logPrefix, envDevice, spec.Getenv(envDevice))
	fmt.Fprintf(&b, "%s PARAMS: project=%s mode=%s repo_id=%s audio_length=%d batch_infer_num=%d steps=%d cfg_strength=%s chunked=%t ref=%s\n",
		logPrefix, req.Project, req.Mode, EffectiveRepoID(p), p.AudioLength, p.BatchInferNum, p.Steps,
		FormatFloat(p.CFGStrength), p.UseChunked, ref)
	b.WriteString("\n")
	return b.String()
}

func lookupEnv(env []string, key string) (string, bool) {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):], true
		}
	}
	return "", false
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := env[:0]
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return append(out, prefix+value)
}
