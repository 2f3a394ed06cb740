package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-gate/internal/classifier"
	"github.com/Brownie44l1/fer-gate/internal/config"
	"github.com/Brownie44l1/fer-gate/internal/facegate"
	"github.com/Brownie44l1/fer-gate/internal/handlers"
	"github.com/Brownie44l1/fer-gate/internal/logging"
	"github.com/Brownie44l1/fer-gate/internal/model"
	"github.com/Brownie44l1/fer-gate/internal/pipeline"
	"github.com/Brownie44l1/fer-gate/internal/preprocess"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()
	rt := config.FromEnv()

	logger, err := logging.NewLogger(rt.LogLevel, rt.LogFile)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(rt.ConfigPath)
	if err != nil {
		logger.Fatal("failed to load model config", zap.String("path", rt.ConfigPath), zap.Error(err))
	}

	registry := model.NewRegistry(cfg, model.Options{
		ModelDir:   rt.ModelDir,
		RemoteURL:  rt.ModelURL,
		Wait:       rt.DownloadWait,
		Backoff:    rt.DownloadBackoff,
		ORTLibrary: rt.ORTLibrary,
		AWSRegion:  rt.AWSRegion,
	}, logger)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warn("failed to release model", zap.Error(err))
		}
	}()

	gate, err := facegate.New(cfg.FaceDetector, rt.FaceDetectorDir, logger)
	if err != nil {
		logger.Fatal("failed to initialize face detector", zap.Error(err))
	}
	if gate != nil {
		defer gate.Close()
	}

	if rt.Preload {
		if _, err := registry.EnsureSession(); err != nil {
			logger.Warn("model preload failed, will retry on first request", zap.Error(err))
		}
	}

	p := pipeline.New(gate, preprocess.New(cfg), registry, classifier.New(cfg), logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestID(), handlers.CORS(), handlers.AccessLog(logger))
	router.MaxMultipartMemory = rt.MaxUploadBytes

	handlers.NewHandler(p, rt.UploadDir, rt.MaxUploadBytes, logger).
		RegisterRoutes(router, handlers.RateLimit(rt.RateLimit, rt.RateBurst, logger))

	server := &http.Server{
		Addr:              ":" + rt.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("server starting",
		zap.String("addr", server.Addr),
		zap.String("model", registry.Path()),
		zap.Strings("labels", cfg.Labels.Names()),
		zap.String("face_detector", string(cfg.FaceDetector.Kind)),
	)
	if err := serveHTTPServer(server, shutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
