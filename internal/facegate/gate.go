// Package facegate decides whether an image contains a human face before it
// is classified. Every strategy absorbs its own failures: an image that
// cannot be read or a detector that breaks both count as "no face".
package facegate

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-gate/internal/config"
)

const (
	DefaultCascadeFile = "haarcascade_frontalface_default.xml"
	DefaultProtoFile   = "deploy.prototxt"
	DefaultWeightsFile = "res10_300x300_ssd_iter_140000.caffemodel"
	DefaultPicoFile    = "facefinder"
)

// ErrDetectionFailure wraps internal detector errors. It never leaves
// HasFace; it only shows up in logs.
var ErrDetectionFailure = errors.New("face detection failed")

var errUnreadableImage = errors.New("image could not be decoded")

// Gate reports face presence for the image at path.
type Gate interface {
	HasFace(path string) bool
	Close() error
}

// New builds the configured strategy. Relative model file names resolve
// against dir. A disabled detector yields a nil Gate.
func New(cfg config.FaceDetectorConfig, dir string, logger *zap.Logger) (Gate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("facegate").With(zap.String("detector", string(cfg.Kind)))

	var (
		gate Gate
		err  error
	)
	switch cfg.Kind {
	case "", config.DetectorNone:
		return nil, nil
	case config.DetectorCascade:
		gate, err = NewCascade(resolve(dir, cfg.CascadeFile, DefaultCascadeFile), cfg, logger)
	case config.DetectorSSD:
		gate, err = NewSSD(resolve(dir, cfg.ProtoFile, DefaultProtoFile), resolve(dir, cfg.WeightsFile, DefaultWeightsFile), cfg, logger)
	case config.DetectorPico:
		gate, err = NewPico(resolve(dir, cfg.CascadeFile, DefaultPicoFile), cfg, logger)
	default:
		return nil, fmt.Errorf("unknown face detector %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return gate, nil
}

func resolve(dir, name, fallback string) string {
	if name == "" {
		name = fallback
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// guard runs detect and converts its errors and panics into false.
func guard(logger *zap.Logger, path string, detect func() (bool, error)) (found bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("face detector panicked",
				zap.String("path", path),
				zap.Error(fmt.Errorf("%w: %v", ErrDetectionFailure, r)))
			found = false
		}
	}()

	found, err := detect()
	if err != nil {
		if errors.Is(err, errUnreadableImage) {
			logger.Info("image unreadable, treating as no face", zap.String("path", path), zap.Error(err))
		} else {
			logger.Warn("face detection failed, treating as no face", zap.String("path", path), zap.Error(err))
		}
		return false
	}
	return found
}

// locked runs fn while holding mu and releases mu even if fn panics.
func locked[T any](mu *sync.Mutex, fn func() T) T {
	mu.Lock()
	defer mu.Unlock()
	return fn()
}
