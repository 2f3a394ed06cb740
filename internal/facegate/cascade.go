package facegate

import (
	"fmt"
	"image"
	"os"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/Brownie44l1/fer-gate/internal/config"
)

// Cascade detects faces with an OpenCV Haar cascade. It produces no score:
// any candidate region counts as a face.
type Cascade struct {
	mu           sync.Mutex
	classifier   gocv.CascadeClassifier
	scaleFactor  float64
	minNeighbors int
	logger       *zap.Logger
}

func NewCascade(file string, cfg config.FaceDetectorConfig, logger *zap.Logger) (*Cascade, error) {
	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("cascade file: %w", err)
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(file) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade classifier from %s", file)
	}

	logger.Info("face detector ready", zap.String("file", file),
		zap.Float64("scale_factor", cfg.ScaleFactor), zap.Int("min_neighbors", cfg.MinNeighbors))

	return &Cascade{
		classifier:   classifier,
		scaleFactor:  cfg.ScaleFactor,
		minNeighbors: cfg.MinNeighbors,
		logger:       logger,
	}, nil
}

func (c *Cascade) HasFace(path string) bool {
	return guard(c.logger, path, func() (bool, error) {
		return c.detect(path)
	})
}

func (c *Cascade) detect(path string) (bool, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return false, fmt.Errorf("%w: %s", errUnreadableImage, path)
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	faces := locked(&c.mu, func() []image.Rectangle {
		return c.classifier.DetectMultiScaleWithParams(
			gray, c.scaleFactor, c.minNeighbors, 0, image.Pt(0, 0), image.Pt(0, 0),
		)
	})
	return len(faces) > 0, nil
}

func (c *Cascade) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classifier.Close()
}
