package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"cvingest/internal/config"
	"cvingest/internal/handler"
	"cvingest/internal/preview"
	"cvingest/internal/repository"
	"cvingest/internal/service"
	"cvingest/internal/service/queue"
	"cvingest/internal/service/s3"
)

func connectWithRetry(cfg *config.Config, maxAttempts int, delay time.Duration) (*sqlx.DB, error) {
	dsn := cfg.Database.GetDSN()

	// Сначала подключаемся к системной базе postgres, которая всегда существует
	pgDSN := strings.Replace(dsn, "dbname="+cfg.Database.Name, "dbname=postgres", 1)
	pgDB, err := sqlx.Connect("postgres", pgDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres database: %v", err)
	}
	defer pgDB.Close()

	// Проверяем, существует ли рабочая база
	var exists bool
	err = pgDB.Get(&exists, "SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)", cfg.Database.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %v", err)
	}

	// Если базы нет, создаем её
	if !exists {
		log.Printf("Database %s does not exist, creating...", cfg.Database.Name)
		_, err = pgDB.Exec(fmt.Sprintf("CREATE DATABASE %s", cfg.Database.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %v", err)
		}
	}

	var db *sqlx.DB
	for i := 0; i < maxAttempts; i++ {
		db, err = sqlx.Connect("postgres", dsn)
		if err == nil {
			return db, nil
		}

		log.Printf("Failed to connect to database (attempt %d/%d): %v", i+1, maxAttempts, err)
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %v", maxAttempts, err)
}

func runMigrations(cfg *config.Config) error {
	databaseURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)

	var m *migrate.Migrate
	var err error

	for i := 0; i < 5; i++ {
		m, err = migrate.New("file://migrations", databaseURL)
		if err == nil {
			break
		}
		log.Printf("Failed to create migrate instance (attempt %d/5): %v", i+1, err)
		time.Sleep(time.Second * 5)
	}

	if err != nil {
		return fmt.Errorf("failed to create migrate instance after retries: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		log.Printf("Found dirty database state at version %d, attempting to force version", version)
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func main() {
	// Загружаем конфигурации
	appConfig, err := config.NewConfig(".app.env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Подключаемся к базе данных
	db, err := connectWithRetry(appConfig, 5, time.Second*5)
	if err != nil {
		log.Fatalf("Failed to connect to database after retries: %v", err)
	}
	defer db.Close()

	if err := runMigrations(appConfig); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Инициализация S3 клиента
	s3Config, err := s3.NewConfig(".s3.env")
	if err != nil {
		log.Fatalf("Failed to load S3 config: %v", err)
	}

	s3Client, err := s3.NewClient(s3Config)
	if err != nil {
		log.Fatalf("Failed to create S3 client: %v", err)
	}

	// Клиент внешней очереди разбора
	queueConfig, err := queue.NewConfig(".queue.env")
	if err != nil {
		log.Fatalf("Failed to load queue config: %v", err)
	}

	queueClient, err := queue.NewClient(queueConfig)
	if err != nil {
		log.Fatalf("Failed to create queue client: %v", err)
	}

	// Инициализация репозиториев
	fileRepo := repository.NewFileRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	usageRepo := repository.NewUsageRepository(db)
	windowRepo := repository.NewWindowRepository(db)

	// Инициализация сервисов
	usageService := service.NewUsageService(usageRepo, appConfig.Pricing)
	rateLimitService := service.NewRateLimitService(windowRepo, appConfig.Limits.CvWindowLimit)
	outboxService := service.NewOutboxService(outboxRepo, fileRepo, queueClient, usageService, appConfig.Limits.CvWindowLimit)
	uploadService := service.NewUploadService(fileRepo, outboxService, s3Client, rateLimitService, appConfig.Limits)
	previewService := preview.NewService(s3Client, db)
	previewService.StartCleanupTask()

	// Инициализация хендлеров
	uploadHandler := handler.NewUploadHandler(uploadService)
	outboxHandler := handler.NewOutboxHandler(outboxService, rateLimitService)
	creditHandler := handler.NewCreditHandler(usageService)
	previewHandler := preview.NewHandler(previewService, uploadService)

	// Настройка HTTP роутера
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// HTTP маршруты
	r.Route("/v1", func(r chi.Router) {
		r.Post("/uploads", uploadHandler.CreateUpload)
		r.Post("/uploads/{uuid}/finalize", uploadHandler.FinalizeUpload)

		r.Get("/files", uploadHandler.ListFiles)
		r.Route("/files/{uuid}", func(r chi.Router) {
			r.Get("/", uploadHandler.GetFile)
			r.Delete("/", uploadHandler.DeleteFile)
			r.Get("/result", uploadHandler.GetResult)
			r.Get("/preview", previewHandler.GetPreview)
		})

		// Callback воркера разбора
		r.Patch("/outbox/{processId}", outboxHandler.ReportResult)
		r.Get("/outbox/{processId}", outboxHandler.GetProcessStatus)

		r.Get("/limits", outboxHandler.GetLimits)

		r.Route("/credits", func(r chi.Router) {
			r.Get("/", creditHandler.GetCredits)
			r.Post("/grants", creditHandler.CreateGrant)
		})
	})

	// Создаем HTTP сервер
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler: r,
	}

	// Канал для сигналов завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Запускаем HTTP сервер
	go func() {
		log.Printf("Starting HTTP server on port %s", appConfig.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	// Свипер подбирает процессы, зависшие в pending после неудачной отправки
	sweepTicker := time.NewTicker(time.Duration(appConfig.Limits.SweepIntervalS) * time.Second)
	sweepMinAge := time.Duration(appConfig.Limits.SweepMinAgeS) * time.Second
	sweepDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-sweepTicker.C:
				ctx := context.Background()
				if err := outboxService.SweepPending(ctx, sweepMinAge); err != nil {
					log.Printf("Error during outbox sweep: %v", err)
				}
			case <-sweepDone:
				sweepTicker.Stop()
				return
			}
		}
	}()

	// Ожидаем сигнал завершения
	<-quit
	close(sweepDone)
	log.Println("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server forced to shutdown: %v", err)
	}

	if err := db.Close(); err != nil {
		log.Printf("Error closing database connection: %v", err)
	}

	log.Println("Server exited properly")
}
