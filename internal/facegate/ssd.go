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

const ssdInputSize = 300

// Each SSD detection row is [image_id, label, confidence, x1, y1, x2, y2].
const (
	ssdRowWidth      = 7
	ssdConfidenceCol = 2
)

var ssdMean = gocv.NewScalar(104, 177, 123, 0)

// SSD runs the res10 single-shot Caffe face detector through OpenCV DNN.
type SSD struct {
	mu        sync.Mutex
	net       gocv.Net
	threshold float32
	logger    *zap.Logger
}

func NewSSD(protoFile, weightsFile string, cfg config.FaceDetectorConfig, logger *zap.Logger) (*SSD, error) {
	for _, f := range []string{protoFile, weightsFile} {
		if _, err := os.Stat(f); err != nil {
			return nil, fmt.Errorf("ssd model file: %w", err)
		}
	}

	net := gocv.ReadNetFromCaffe(protoFile, weightsFile)
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("failed to load ssd network from %s and %s", protoFile, weightsFile)
	}

	logger.Info("face detector ready", zap.String("proto", protoFile),
		zap.String("weights", weightsFile), zap.Float64("threshold", cfg.Threshold))

	return &SSD{
		net:       net,
		threshold: float32(cfg.Threshold),
		logger:    logger,
	}, nil
}

func (s *SSD) HasFace(path string) bool {
	return guard(s.logger, path, func() (bool, error) {
		return s.detect(path)
	})
}

func (s *SSD) detect(path string) (bool, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return false, fmt.Errorf("%w: %s", errUnreadableImage, path)
	}

	blob := gocv.BlobFromImage(img, 1.0, image.Pt(ssdInputSize, ssdInputSize), ssdMean, false, false)
	defer blob.Close()

	out := locked(&s.mu, func() gocv.Mat {
		s.net.SetInput(blob, "")
		return s.net.Forward("")
	})
	defer out.Close()

	total := out.Total()
	if out.Empty() || total%ssdRowWidth != 0 {
		return false, fmt.Errorf("%w: unexpected ssd output of %d values", ErrDetectionFailure, total)
	}

	detections := out.Reshape(1, total/ssdRowWidth)
	defer detections.Close()

	for i := 0; i < detections.Rows(); i++ {
		if detections.GetFloatAt(i, ssdConfidenceCol) > s.threshold {
			return true, nil
		}
	}
	return false, nil
}

func (s *SSD) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.net.Close()
}
