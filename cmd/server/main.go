// Command pixeljobs-server starts the PixelJobs gRPC server and job scheduler.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/pixeljobs/internal/blob"
	"github.com/and161185/pixeljobs/internal/config"
	"github.com/and161185/pixeljobs/internal/limiter"
	"github.com/and161185/pixeljobs/internal/llm"
	"github.com/and161185/pixeljobs/internal/migrate"
	"github.com/and161185/pixeljobs/internal/repository"
	"github.com/and161185/pixeljobs/internal/repository/memory"
	"github.com/and161185/pixeljobs/internal/repository/postgres"
	"github.com/and161185/pixeljobs/internal/rpc"
	"github.com/and161185/pixeljobs/internal/scheduler"
	grpcserver "github.com/and161185/pixeljobs/internal/server/grpc"
	"github.com/and161185/pixeljobs/internal/service"
	"github.com/and161185/pixeljobs/internal/transform"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, wires storage, services and the scheduler, and serves gRPC.
func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:], os.Getenv)
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.Store),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repositories
	var (
		userRepo repository.UserRepository
		jobRepo  repository.JobRepository
		loginLim limiter.Limiter
	)
	switch cfg.Store {
	case config.StorePostgres:
		if err := migrate.Up(ctx, cfg.DSN, logger); err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			logger.Fatal("pgxpool.New", zap.Error(err))
		}
		defer db.Close()
		userRepo = postgres.NewUserRepo(db)
		jobRepo = postgres.NewJobRepo(db)
		loginLim = limiter.NewPG(db.Pool, limiter.DefaultPolicy)
	default:
		logger.Warn("in-memory store: jobs and accounts are lost on restart")
		userRepo = memory.NewUserRepo()
		jobRepo = memory.NewJobRepo()
		ml := limiter.NewMemory(limiter.DefaultPolicy)
		defer ml.Stop()
		loginLim = ml
	}

	blobs, err := blob.NewFS(cfg.BlobDir, cfg.MaxBlob)
	if err != nil {
		logger.Fatal("blob store", zap.Error(err))
	}

	// Transforms
	reg := transform.NewRegistry()
	var rb *transform.RemoveBackground
	if cfg.Rembg.URL != "" {
		rb = transform.NewRemoveBackground(cfg.Rembg.URL, cfg.Rembg.Timeout, nil)
	}
	if err := transform.RegisterBuiltins(reg, transform.Builtins{
		Images:           transform.Limits{MaxPixels: cfg.MaxPixels},
		RemoveBackground: rb,
	}); err != nil {
		logger.Fatal("register transforms", zap.Error(err))
	}

	sched, err := scheduler.New(jobRepo, blobs, reg, cfg.SchedulerConfig(), logger)
	if err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}

	reqLim := limiter.NewRequests(cfg.RateLimit.Limit, cfg.RateLimit.Burst, 10*time.Minute)
	defer reqLim.Stop()

	// Services
	signKey := []byte(cfg.JWTKey)
	authSvc := service.NewAuthService(userRepo, signKey, cfg.AccessTTL, loginLim)
	jobSvc := service.NewJobService(jobRepo, blobs, reg, sched, cfg.MaxPending)
	chatSvc := service.NewChatService(llm.NewClient(cfg.LLMConfig()))

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary(signKey, rpc.FullMethod("Register"), rpc.FullMethod("Login")),
		),
		grpc.MaxRecvMsgSize(grpcserver.MaxMsgSize(cfg.MaxBlob)),
		grpc.MaxSendMsgSize(grpcserver.MaxMsgSize(cfg.MaxBlob)),
	}
	if cfg.TLS.Cert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("serving without TLS")
	}
	s := grpc.NewServer(opts...)

	app := grpcserver.New(authSvc, jobSvc, chatSvc, reqLim, signKey, logger.Named("rpc"))
	rpc.RegisterPixelJobsServer(s, app)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	// Listen
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", cfg.TLS.Cert != ""))
		errCh <- s.Serve(lis)
	}()

	// Wait for stop
	exit := 0
	schedRunning := true
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exit = 1
		stop()
	case err := <-schedDone:
		logger.Error("scheduler exited", zap.Error(err))
		exit = 1
		schedRunning = false
		stop()
	}

	// graceful shutdown: stop taking requests, then let the scheduler drain
	hs.Shutdown()
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.Stop()
	}
	if schedRunning {
		if err := <-schedDone; err != nil {
			logger.Error("scheduler stopped", zap.Error(err))
		}
	}

	logger.Info("shutdown complete")
	if exit != 0 {
		_ = logger.Sync()
		os.Exit(exit)
	}
}
