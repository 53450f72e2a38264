package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/langcenter/enrollment-api/api/swagger"
	"github.com/langcenter/enrollment-api/internal/admission"
	"github.com/langcenter/enrollment-api/internal/handler"
	"github.com/langcenter/enrollment-api/internal/middleware"
	"github.com/langcenter/enrollment-api/internal/models"
	"github.com/langcenter/enrollment-api/internal/repository"
	"github.com/langcenter/enrollment-api/internal/service"
	"github.com/langcenter/enrollment-api/pkg/cache"
	"github.com/langcenter/enrollment-api/pkg/config"
	"github.com/langcenter/enrollment-api/pkg/database"
	"github.com/langcenter/enrollment-api/pkg/export"
	"github.com/langcenter/enrollment-api/pkg/logger"
	corsmiddleware "github.com/langcenter/enrollment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/langcenter/enrollment-api/pkg/middleware/requestid"
	"github.com/langcenter/enrollment-api/pkg/storage"
)

// @title Language Center Enrollment API
// @version 1.0.0
// @description Admission control for course-cycle enrollment and placement-exam registration.
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// The catalog cache is an optimization; seat math never depends on it.
		logr.Sugar().Warnw("redis unavailable, catalog cache disabled", "error", err)
		redisClient = nil
	}
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck

	artifactStore, err := storage.NewArtifactStore(cfg.Admission.UploadDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to prepare upload directory", "error", err)
	}
	signer := storage.NewProofURLSigner(cfg.Admission.SignedURLSecret, cfg.Admission.SignedURLTTL)

	userRepo := repository.NewUserRepository(db)
	cycleRepo := repository.NewCycleRepository(db)
	examRepo := repository.NewExamRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	registrationRepo := repository.NewRegistrationRepository(db)

	validate := validator.New()
	policy := admission.Policy{
		AllowedMIMETypes:   cfg.Admission.AllowedMIMETypes,
		MaxProofSizeBytes:  cfg.Admission.MaxProofSizeBytes,
		MinRejectReasonLen: cfg.Admission.MinRejectReasonLen,
	}
	if len(policy.AllowedMIMETypes) == 0 {
		policy = admission.DefaultPolicy()
	}

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "enrollment-api",
	})
	metricsSvc := service.NewMetricsService()
	notifySvc := service.NewNotifyService(cfg.Notify.Workers, cfg.Notify.BufferSize, logr)
	notifySvc.Start(ctx)
	defer notifySvc.Stop()

	enrollmentSvc := service.NewEnrollmentService(cycleRepo, enrollmentRepo, userRepo, artifactStore,
		cacheRepo, notifySvc, policy, cfg.Admission.LockWaitTimeout, validate, logr)
	registrationSvc := service.NewRegistrationService(examRepo, registrationRepo, userRepo, artifactStore,
		cacheRepo, notifySvc, policy, cfg.Admission.LockWaitTimeout, validate, logr)
	catalogSvc := service.NewCatalogService(cycleRepo, examRepo, cacheRepo, cfg.Catalog.CacheTTL, logr)
	exportSvc := service.NewExportService(cycleRepo, examRepo, enrollmentRepo, registrationRepo,
		export.NewCSVExporter(), export.NewPDFExporter(), logr)

	authHandler := handler.NewAuthHandler(authSvc)
	catalogHandler := handler.NewCatalogHandler(catalogSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc, metricsSvc)
	registrationHandler := handler.NewRegistrationHandler(registrationSvc, metricsSvc)
	exportHandler := handler.NewExportHandler(exportSvc)
	proofHandler := handler.NewProofHandler(enrollmentSvc, registrationSvc, signer, artifactStore,
		cfg.APIPrefix+"/files/proofs")

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)

	api.GET("/cycles", catalogHandler.ListCycles)
	api.GET("/cycles/:id", catalogHandler.GetCycle)
	api.GET("/exams", catalogHandler.ListExams)
	api.GET("/exams/:id", catalogHandler.GetExam)
	api.GET("/files/proofs", proofHandler.Download)

	authed := api.Group("", middleware.JWT(authSvc))

	enrollments := authed.Group("/enrollments")
	enrollments.POST("", enrollmentHandler.Submit)
	enrollments.GET("/mine", enrollmentHandler.Mine)
	enrollments.GET("/:id", enrollmentHandler.Get)
	enrollments.PUT("/:id/cancel", enrollmentHandler.Cancel)
	enrollments.DELETE("/:id", enrollmentHandler.Withdraw)
	enrollments.GET("/:id/proofs/:slot", proofHandler.EnrollmentProofURL)

	placements := authed.Group("/placements")
	placements.POST("", registrationHandler.Submit)
	placements.GET("/mine", registrationHandler.Mine)
	placements.GET("/:id", registrationHandler.Get)
	placements.PUT("/:id/cancel", registrationHandler.Cancel)
	placements.DELETE("/:id", registrationHandler.Withdraw)
	placements.GET("/:id/proof", proofHandler.RegistrationProofURL)

	staff := authed.Group("", middleware.RequireStaff())
	staff.GET("/enrollments", enrollmentHandler.List)
	staff.PUT("/enrollments/:id/approve",
		middleware.Audit(userRepo, models.AuditActionApprove, "enrollment"), enrollmentHandler.Approve)
	staff.PUT("/enrollments/:id/reject",
		middleware.Audit(userRepo, models.AuditActionReject, "enrollment"), enrollmentHandler.Reject)
	staff.PUT("/enrollments/:id/payment", enrollmentHandler.CorrectPayment)
	staff.GET("/placements", registrationHandler.List)
	staff.PUT("/placements/:id/approve",
		middleware.Audit(userRepo, models.AuditActionApprove, "placement"), registrationHandler.Approve)
	staff.PUT("/placements/:id/reject",
		middleware.Audit(userRepo, models.AuditActionReject, "placement"), registrationHandler.Reject)
	staff.PUT("/placements/:id/level", registrationHandler.AssignLevel)

	if cfg.Exports.Enabled {
		staff.GET("/exports/cycles/:id/roster", exportHandler.CycleRoster)
		staff.GET("/exports/exams/:id/roster", exportHandler.ExamRoster)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
