package facegate

import (
	"fmt"
	"os"

	"github.com/disintegration/imaging"
	pigo "github.com/esimov/pigo/core"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-gate/internal/config"
)

const (
	picoMinSize     = 20
	picoShiftFactor = 0.1
	picoIoU         = 0.2
)

// Pico runs the pure Go pigo cascade, so it needs no OpenCV install.
// The unpacked classifier is read-only and safe for concurrent use.
type Pico struct {
	classifier  *pigo.Pigo
	threshold   float32
	scaleFactor float64
	logger      *zap.Logger
}

func NewPico(file string, cfg config.FaceDetectorConfig, logger *zap.Logger) (*Pico, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("pico cascade file: %w", err)
	}

	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack pico cascade: %w", err)
	}

	logger.Info("face detector ready", zap.String("file", file), zap.Float64("threshold", cfg.Threshold))

	return &Pico{
		classifier:  classifier,
		threshold:   float32(cfg.Threshold),
		scaleFactor: cfg.ScaleFactor,
		logger:      logger,
	}, nil
}

func (p *Pico) HasFace(path string) bool {
	return guard(p.logger, path, func() (bool, error) {
		return p.detect(path)
	})
}

func (p *Pico) detect(path string) (bool, error) {
	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return false, fmt.Errorf("%w: %v", errUnreadableImage, err)
	}

	img := imaging.Clone(src)
	cols, rows := img.Bounds().Dx(), img.Bounds().Dy()

	params := pigo.CascadeParams{
		MinSize:     picoMinSize,
		MaxSize:     max(cols, rows),
		ShiftFactor: picoShiftFactor,
		ScaleFactor: p.scaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(img),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := p.classifier.RunCascade(params, 0.0)
	dets = p.classifier.ClusterDetections(dets, picoIoU)
	for _, det := range dets {
		if det.Q > p.threshold {
			return true, nil
		}
	}
	return false, nil
}

func (p *Pico) Close() error {
	return nil
}
