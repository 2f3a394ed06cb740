package model

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-gate/internal/config"
)

// ErrModelUnavailable is returned when no usable model artifact could be
// found locally or fetched from the configured source.
var ErrModelUnavailable = errors.New("model unavailable")

var errRegistryClosed = errors.New("model registry is closed")

// SessionFactory builds a session from a model artifact on disk.
type SessionFactory func(path string, cfg *config.ModelConfig) (Session, error)

// ORTSessionFactory loads models with ONNX Runtime on the CPU provider.
func ORTSessionFactory(libraryPath string) SessionFactory {
	return func(path string, cfg *config.ModelConfig) (Session, error) {
		if err := initRuntime(libraryPath); err != nil {
			return nil, err
		}
		session, err := newORTSession(path, cfg)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

type Options struct {
	ModelDir   string
	RemoteURL  string
	Wait       time.Duration
	Backoff    time.Duration
	ORTLibrary string
	AWSRegion  string

	// Fetcher and NewSession default to the network fetcher and ONNX Runtime.
	Fetcher    Fetcher
	NewSession SessionFactory
}

type loadedSession struct {
	session Session
}

type loadCall struct {
	done    chan struct{}
	session Session
	err     error
}

// Registry owns the process-wide inference session. The session is built on
// first use and reused until Close.
type Registry struct {
	cfg    *config.ModelConfig
	opts   Options
	path   string
	logger *zap.Logger

	current atomic.Pointer[loadedSession]

	mu       sync.Mutex
	inflight *loadCall
	closed   bool
}

func NewRegistry(cfg *config.ModelConfig, opts Options, logger *zap.Logger) *Registry {
	if opts.Wait <= 0 {
		opts.Wait = config.DefaultDownloadWait
	}
	if opts.Backoff <= 0 {
		opts.Backoff = config.DefaultDownloadBackoff
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewFetcher(&http.Client{}, opts.AWSRegion)
	}
	if opts.NewSession == nil {
		opts.NewSession = ORTSessionFactory(opts.ORTLibrary)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		cfg:    cfg,
		opts:   opts,
		path:   filepath.Join(opts.ModelDir, cfg.ArtifactName()),
		logger: logger.Named("model_registry"),
	}
}

// Path is where the model artifact is expected on local storage.
func (r *Registry) Path() string {
	return r.path
}

// EnsureSession returns the shared session, building it on the first call.
// Concurrent callers during a build wait for that build and share its
// outcome. A failed build is not cached, so a later call tries again.
func (r *Registry) EnsureSession() (Session, error) {
	if loaded := r.current.Load(); loaded != nil {
		return loaded.session, nil
	}

	r.mu.Lock()
	if loaded := r.current.Load(); loaded != nil {
		r.mu.Unlock()
		return loaded.session, nil
	}
	if r.closed {
		r.mu.Unlock()
		return nil, errRegistryClosed
	}
	if call := r.inflight; call != nil {
		r.mu.Unlock()
		<-call.done
		return call.session, call.err
	}
	call := &loadCall{done: make(chan struct{})}
	r.inflight = call
	r.mu.Unlock()

	r.runLoad(call)
	return call.session, call.err
}

// runLoad fills call and always releases its waiters, even if the build
// panics.
func (r *Registry) runLoad(call *loadCall) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("model load panicked", zap.String("path", r.path), zap.Any("panic", p))
			call.session, call.err = nil, fmt.Errorf("%w: loading %s panicked: %v", ErrModelUnavailable, r.path, p)
		}

		r.mu.Lock()
		r.inflight = nil
		if call.err == nil {
			if r.closed {
				call.session.Close()
				call.session, call.err = nil, errRegistryClosed
			} else {
				r.current.Store(&loadedSession{session: call.session})
			}
		}
		r.mu.Unlock()
		close(call.done)
	}()

	call.session, call.err = r.load()
}

func (r *Registry) load() (Session, error) {
	start := time.Now()
	if err := r.ensureArtifact(); err != nil {
		r.logger.Error("model artifact unavailable", zap.String("path", r.path), zap.Error(err))
		return nil, err
	}

	session, err := r.opts.NewSession(r.path, r.cfg)
	if err != nil {
		r.logger.Error("failed to load model", zap.String("path", r.path), zap.Error(err))
		return nil, fmt.Errorf("%w: failed to load %s: %w", ErrModelUnavailable, r.path, err)
	}

	r.logger.Info("model loaded",
		zap.String("path", r.path),
		zap.Strings("labels", r.cfg.Labels.Names()),
		zap.Int64s("input_shape", r.cfg.InputShape()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return session, nil
}

func (r *Registry) ensureArtifact() error {
	info, err := os.Stat(r.path)
	if err == nil && !info.IsDir() {
		return nil
	}
	if err == nil {
		return fmt.Errorf("%w: %s is a directory, expected a model file", ErrModelUnavailable, r.path)
	}

	if r.opts.RemoteURL == "" {
		return fmt.Errorf("%w: model file not found at %s; place the file there or set MODEL_URL to download it",
			ErrModelUnavailable, r.path)
	}

	if err := fetchWithRetry(r.opts.Fetcher, r.opts.RemoteURL, r.path, r.opts.Wait, r.opts.Backoff, r.logger); err != nil {
		return fmt.Errorf("%w: could not download model to %s (check MODEL_URL or MODEL_DOWNLOAD_WAIT): %w",
			ErrModelUnavailable, r.path, err)
	}
	return nil
}

// Close releases the session and the ONNX Runtime environment.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	var err error
	if loaded := r.current.Swap(nil); loaded != nil {
		err = loaded.session.Close()
	}
	return errors.Join(err, shutdownRuntime())
}
