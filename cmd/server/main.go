package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/makeasinger/rhythmdeck/internal/auth"
	"github.com/makeasinger/rhythmdeck/internal/client"
	"github.com/makeasinger/rhythmdeck/internal/config"
	"github.com/makeasinger/rhythmdeck/internal/handler"
	"github.com/makeasinger/rhythmdeck/internal/history"
	"github.com/makeasinger/rhythmdeck/internal/job"
	"github.com/makeasinger/rhythmdeck/internal/middleware"
	"github.com/makeasinger/rhythmdeck/internal/sandbox"
	"github.com/makeasinger/rhythmdeck/internal/service"
	"github.com/makeasinger/rhythmdeck/internal/store"
	ws "github.com/makeasinger/rhythmdeck/internal/websocket"
	"github.com/makeasinger/rhythmdeck/internal/worker"
	"github.com/makeasinger/rhythmdeck/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var logOutput io.Writer = os.Stdout
	if cfg.Server.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.Server.LogFile,
			MaxSize:    20, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
		}
		defer rotating.Close()
		logOutput = io.MultiWriter(os.Stdout, rotating)
		log.SetOutput(logOutput)
	}

	// Initialize Redis client (optional)
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("Warning: Redis not available: %v", err)
		}
		defer redisClient.Close()
	}

	// Job gate
	var gate job.Gate = job.NewLocalGate()
	if strings.EqualFold(cfg.Gate.Backend, "redis") {
		if redisClient == nil {
			log.Fatalf("Gate backend redis requires redis.enabled")
		}
		gate = job.NewRedisGate(redisClient, cfg.Gate.Key, time.Duration(cfg.Gate.TTLSeconds)*time.Second)
		log.Printf("Info: using Redis job gate %s", cfg.Gate.Key)
	}

	// Document storage for settings and favorites
	var repo store.Repository
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite":
		sqliteRepo, err := store.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open SQLite storage: %v", err)
		}
		defer sqliteRepo.Close()
		repo = sqliteRepo
	default:
		repo = store.NewFileRepository(cfg.Paths.DataDir)
	}

	sb, err := sandbox.New(cfg.Paths.BaseDir)
	if err != nil {
		log.Fatalf("Failed to prepare projects directory: %v", err)
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize R2 client (optional)
	var mirror job.ArtifactMirror
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		} else {
			mirror = r2Client
		}
	}

	// Initialize auth (optional)
	authMiddleware := middleware.NewOpenAuthMiddleware()
	if cfg.Auth.Enabled {
		var verifier auth.TokenVerifier
		if cfg.Auth.Issuer != "" || cfg.Auth.JWKSURL != "" {
			jwksVerifier, err := auth.NewJWKSVerifier(&cfg.Auth)
			if err != nil {
				log.Printf("Warning: JWKS verifier not initialized: %v", err)
			} else {
				verifier = jwksVerifier
			}
		}
		authMiddleware = middleware.NewAuthMiddleware(verifier, cfg.Auth.JWTSecret)
		if !authMiddleware.Enabled() {
			log.Fatalf("auth.enabled requires auth.issuer or auth.jwt_secret")
		}
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	appRoot, err := os.Executable()
	if err != nil {
		appRoot, _ = os.Getwd()
	}

	// Initialize services
	ledger := history.NewLedger()
	settingsService := service.NewSettingsService(repo, validate)
	projectService := service.NewProjectService(sb, ledger, settingsService)
	favoritesService := service.NewFavoritesService(repo)
	uploadService := service.NewUploadService(cfg.Paths.UploadsDir)
	modelService := service.NewModelService(cfg.Tool.Root, cfg.Tool.Script, filepath.Dir(appRoot), cfg.Tool.Models)

	jobService := job.NewService(gate, job.ExecExecutor{}, ledger, job.Options{
		TmpDir: cfg.Paths.TmpDir,
		Toolchain: func() job.Toolchain {
			pythonBin := settingsService.Get().PythonBin
			if pythonBin == "" {
				pythonBin = cfg.Tool.PythonBin
			}
			return modelService.Toolchain(pythonBin)
		},
		Validator: validate,
		Mirror:    mirror,
		Events:    hub,
	})
	generateService := service.NewGenerateService(jobService, projectService, settingsService)

	// Initialize handlers
	generateHandler := handler.NewGenerateHandler(generateService, uploadService)
	projectHandler := handler.NewProjectHandler(projectService, validate)
	settingsHandler := handler.NewSettingsHandler(settingsService, modelService)
	favoritesHandler := handler.NewFavoritesHandler(favoritesService)

	maintenanceWorker := worker.NewMaintenanceWorker(
		cfg.Paths.TmpDir,
		uploadService.Dir(),
		cfg.Maintenance.ScratchMaxAge(),
		cfg.Maintenance.UploadMaxAge(),
		jobService.Busy,
		projectService,
	)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    cfg.Server.BodyLimitMB * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
		Output: logOutput,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"busy":      jobService.Busy(),
			"diff_root": modelService.Root(),
			"services": fiber.Map{
				"redis": redisClient != nil,
				"r2":    mirror != nil,
				"auth":  authMiddleware.Enabled(),
			},
		})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	api.Get("/status", generateHandler.Status)
	api.Post("/generate", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generateHandler.Form)
	api.Post("/generate/json", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generateHandler.JSON)

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

	// Artifact playback
	media := authMiddleware.Authenticate()
	app.Get("/play/:project/*", media, projectHandler.Play)
	app.Get("/download/:project/*", media, projectHandler.Download)

	// WebSocket routes
	app.Use("/ws", authMiddleware.Authenticate(), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Query("project"))
	}))

	// Maintenance: sweep once now, then on schedule when Redis is available
	go maintenanceWorker.Sweep(time.Now())
	if redisClient != nil {
		go startWorkerServer(cfg, maintenanceWorker)
		go startScheduler(cfg)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	log.Printf("Projects: %s", sb.Base())
	log.Printf("DiffRhythm root: %s", modelService.Root())
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

func startWorkerServer(cfg *config.Config, maintenanceWorker *worker.MaintenanceWorker) {
	srv := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				"maintenance": 1,
			},
			LogLevel: asynqLogLevel(cfg.Server.LogLevel),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(worker.TaskTypeSweep, maintenanceWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func startScheduler(cfg *config.Config) {
	scheduler := asynq.NewScheduler(redisOpt(cfg), &asynq.SchedulerOpts{
		LogLevel: asynqLogLevel(cfg.Server.LogLevel),
	})

	if _, err := scheduler.Register(cfg.Maintenance.Interval, worker.NewSweepTask(), asynq.Queue("maintenance")); err != nil {
		log.Printf("Failed to schedule maintenance sweep: %v", err)
		return
	}
	if err := scheduler.Run(); err != nil {
		log.Printf("Asynq scheduler error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge:
		errCode = response.CodeValidationError
	}
	return response.Error(c, code, errCode, message, nil)
}
