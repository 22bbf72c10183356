package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fosterline/internal/config"
	"fosterline/internal/handlers"
	"fosterline/internal/middleware"
	"fosterline/internal/models"
	"fosterline/internal/observability"
	"fosterline/internal/services"
	"fosterline/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// .env first so viper's AutomaticEnv sees it, then ./config.yml.
	_ = godotenv.Load()
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		logrus.Fatalf("Failed to parse config: %v", err)
	}

	var (
		flagDSN   string
		dbHost    string
		dbPortStr string
		dbUser    string
		dbPass    string
		dbName    string
		dbSSLMode string
		srvHost   string
		srvPort   int
	)
	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)
	flagSet.StringVar(&flagDSN, "dsn", os.Getenv("DB_DSN"), "Postgres DSN, if set overrides other DB flags")
	flagSet.StringVar(&dbHost, "db-host", getenvDefault("DB_HOST", cfg.Database.Host), "database host")
	flagSet.StringVar(&dbPortStr, "db-port", getenvDefault("DB_PORT", fmt.Sprintf("%d", cfg.Database.Port)), "database port")
	flagSet.StringVar(&dbUser, "db-user", getenvDefault("DB_USER", cfg.Database.User), "database user")
	flagSet.StringVar(&dbPass, "db-pass", getenvDefault("DB_PASSWORD", cfg.Database.Password), "database password")
	flagSet.StringVar(&dbName, "db-name", getenvDefault("DB_NAME", cfg.Database.Name), "database name")
	flagSet.StringVar(&dbSSLMode, "db-sslmode", getenvDefault("DB_SSLMODE", "disable"), "sslmode (disable, require, verify-ca, verify-full)")
	flagSet.StringVar(&srvHost, "host", getenvDefault("FOSTERLINE_HOST", cfg.Server.Host), "server host (listen)")
	flagSet.IntVar(&srvPort, "port", func() int {
		if p := os.Getenv("FOSTERLINE_PORT"); p != "" {
			if n, err := strconv.Atoi(p); err == nil {
				return n
			}
		}
		return cfg.Server.Port
	}(), "server port (listen)")
	_ = flagSet.Parse(os.Args[1:])

	dsn := flagDSN
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			dbHost, dbUser, dbPass, dbName, dbPortStr, dbSSLMode)
	}

	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&models.Contact{}, &models.User{}, &models.EmailTemplate{},
		&models.AutomationDefinition{}, &models.ScheduledJob{},
		&models.ScheduledDispatch{}, &models.AutomationLog{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	var mailTransport transport.Transport
	if cfg.Provider.Enabled {
		mailTransport = transport.NewProviderTransport(cfg.Provider)
		appLogger.Info("using HTTP provider transport")
	} else {
		mailTransport = transport.NewSMTPTransport(cfg.SMTP)
		appLogger.Info("using SMTP transport")
	}

	templateService := services.NewTemplateService(db)
	recipientService := services.NewRecipientService(db, appLogger)

	dispatcherService := services.NewDispatcherService(db, appLogger, mailTransport)
	dispatcherService.MaxAttempts = cfg.Automation.MaxAttempts
	dispatcherService.BackoffBase = cfg.Automation.BackoffBase
	dispatcherService.SendTimeout = cfg.Automation.SendTimeout

	schedulerService := services.NewSchedulerService(db, appLogger, recipientService, templateService, dispatcherService)
	schedulerService.PollInterval = cfg.Automation.PollInterval
	schedulerService.Workers = cfg.Automation.Workers
	schedulerService.StaleClaimAfter = cfg.Automation.StaleClaimAfter

	automationService := services.NewAutomationService(db, appLogger, schedulerService, templateService, dispatcherService)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go schedulerService.Start(ctx)

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddlewareWithConfig(cfg))
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	healthHandler := handlers.NewHealthHandler(db)
	r.GET("/health", healthHandler.Health)
	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, handlers.NewMetricsHandler().Metrics)
	}

	handlers.RegisterWebhookRoutes(r, handlers.NewWebhookHandler(dispatcherService, cfg.Provider.WebhookSecret))

	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(automationService))
	handlers.RegisterEventRoutes(api, handlers.NewEventHandler(automationService))

	addr := fmt.Sprintf("%s:%d", srvHost, srvPort)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		appLogger.Infof("fosterline automation engine listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Errorf("Forced shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

func corsMiddlewareWithConfig(cfg *config.Config) gin.HandlerFunc {
	cors := cfg.Security.CORS
	if !cors.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	origins := strings.Join(cors.AllowedOrigins, ", ")
	methods := strings.Join(cors.AllowedMethods, ", ")
	headers := strings.Join(cors.AllowedHeaders, ", ")
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", origins)
		c.Writer.Header().Set("Access-Control-Allow-Methods", methods)
		c.Writer.Header().Set("Access-Control-Allow-Headers", headers)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
