package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/rhythmdeck/internal/auth"
	"github.com/makeasinger/rhythmdeck/internal/history"
	"github.com/makeasinger/rhythmdeck/internal/job"
	"github.com/makeasinger/rhythmdeck/internal/middleware"
	"github.com/makeasinger/rhythmdeck/internal/sandbox"
	"github.com/makeasinger/rhythmdeck/internal/service"
	"github.com/makeasinger/rhythmdeck/internal/store"
)

const testJWTSecret = "test-secret-for-handlers"

// fakeExecutor stands in for the external tool and drops an artifact into
// the --output-dir it was given.
type fakeExecutor struct {
	mu       sync.Mutex
	args     [][]string
	env      [][]string
	exitCode int
	artifact string
	startErr error

	block   chan struct{}
	entered chan struct{}
}

func (f *fakeExecutor) Execute(spec job.ProcessSpec) (int, []byte, error) {
	f.mu.Lock()
	f.args = append(f.args, spec.Args)
	f.env = append(f.env, spec.Env)
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
		if dir := argValue(spec.Args, "--output-dir"); dir != "" {
			os.WriteFile(filepath.Join(dir, f.artifact), []byte("RIFF"), 0o644)
		}
	}
	return f.exitCode, []byte("sampling done\n"), nil
}

func (f *fakeExecutor) lastArgs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.args) == 0 {
		return nil
	}
	return f.args[len(f.args)-1]
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.args)
}

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func hasArg(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	exec     *fakeExecutor
	base     string
	uploads  string
	tmp      string
	settings *service.SettingsService
}

type appOptions struct {
	jwtSecret string
}

// setupApp creates a Fiber app wired like main.go with a fake tool executor.
func setupApp(t *testing.T) *testApp {
	return setupAppWith(t, appOptions{})
}

func setupAppWith(t *testing.T, opts appOptions) *testApp {
	t.Helper()

	root := t.TempDir()
	sb, err := sandbox.New(filepath.Join(root, "outputs"))
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}

	validate := validator.New()
	exec := &fakeExecutor{artifact: "output.wav"}

	ledger := history.NewLedger()
	repo := store.NewFileRepository(filepath.Join(root, "data"))
	settingsService := service.NewSettingsService(repo, validate)
	projectService := service.NewProjectService(sb, ledger, settingsService)
	favoritesService := service.NewFavoritesService(repo)
	uploadService := service.NewUploadService(filepath.Join(root, "uploads"))
	modelService := service.NewModelService(filepath.Join(root, "tool"), "infer/infer.py", root, nil)

	tmpDir := filepath.Join(root, "tmp")
	jobService := job.NewService(job.NewLocalGate(), exec, ledger, job.Options{
		TmpDir: tmpDir,
		Toolchain: func() job.Toolchain {
			return modelService.Toolchain("python3")
		},
		Validator: validate,
		Environ:   func() []string { return []string{"PATH=/usr/bin"} },
		GOOS:      "linux",
	})
	generateService := service.NewGenerateService(jobService, projectService, settingsService)

	generateHandler := NewGenerateHandler(generateService, uploadService)
	projectHandler := NewProjectHandler(projectService, validate)
	settingsHandler := NewSettingsHandler(settingsService, modelService)
	favoritesHandler := NewFavoritesHandler(favoritesService)

	authMiddleware := middleware.NewOpenAuthMiddleware()
	if opts.jwtSecret != "" {
		authMiddleware = middleware.NewAuthMiddleware(nil, opts.jwtSecret)
	}
	rateLimiter := middleware.NewRateLimiter(nil)

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"busy":      jobService.Busy(),
			"diff_root": modelService.Root(),
		})
	})

	api := app.Group("/api", authMiddleware.Authenticate())
	api.Get("/status", generateHandler.Status)
	api.Post("/generate", rateLimiter.GenerateLimit(10000), generateHandler.Form)
	api.Post("/generate/json", rateLimiter.GenerateLimit(10000), generateHandler.JSON)

	api.Get("/config", settingsHandler.Get)
	api.Post("/config", settingsHandler.Update)
	api.Get("/presets", settingsHandler.Presets)
	api.Get("/models", settingsHandler.Models)

	projects := api.Group("/projects")
	projects.Get("/list", projectHandler.List)
	projects.Post("/create", projectHandler.Create)
	projects.Post("/rename", projectHandler.Rename)
	projects.Post("/delete", projectHandler.Delete)

	files := api.Group("/files")
	files.Get("/list", projectHandler.Files)
	files.Post("/delete", projectHandler.DeleteFile)
	files.Post("/rename", projectHandler.RenameFile)

	api.Get("/favorites", favoritesHandler.List)
	api.Post("/favorites", favoritesHandler.Replace)
	api.Delete("/favorites/:id", favoritesHandler.Delete)

	app.Get("/play/:project/*", authMiddleware.Authenticate(), projectHandler.Play)
	app.Get("/download/:project/*", authMiddleware.Authenticate(), projectHandler.Download)

	return &testApp{
		app:      app,
		exec:     exec,
		base:     sb.Base(),
		uploads:  uploadService.Dir(),
		tmp:      tmpDir,
		settings: settingsService,
	}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	token, err := auth.IssueLegacyToken("test-user-123", "test@example.com", "rhythmdeck", testJWTSecret)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

type formFile struct {
	field    string
	filename string
	content  []byte
}

// doMultipart posts a multipart form with optional files.
func doMultipart(app *fiber.App, path string, fields map[string]string, files ...formFile) (*http.Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	for _, f := range files {
		part, err := w.CreateFormFile(f.field, f.filename)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(f.content); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return app.Test(req, -1)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// assertError checks the error envelope.
func assertError(t *testing.T, result map[string]interface{}, code string) {
	t.Helper()
	if result["ok"] != false {
		t.Errorf("expected ok=false, got %v", result["ok"])
	}
	if result["code"] != code {
		t.Errorf("expected code %s, got %v (error: %v)", code, result["code"], result["error"])
	}
}

func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
