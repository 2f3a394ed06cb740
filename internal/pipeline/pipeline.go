package pipeline

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-gate/internal/facegate"
	"github.com/Brownie44l1/fer-gate/internal/logging"
	"github.com/Brownie44l1/fer-gate/internal/model"
	"github.com/Brownie44l1/fer-gate/internal/preprocess"
)

// State is the terminal state of one pipeline run.
type State string

const (
	StateRejected State = "rejected"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// Stage names carried by failed results.
const (
	StageFaceGate   = "face_gate"
	StagePreprocess = "preprocess"
	StageLoadModel  = "load_model"
	StageClassify   = "classify"
	StageRecovered  = "recovered"
)

// Result is either a prediction, a rejection, or an error carrying one of
// preprocess.ErrImageUnreadable or model.ErrModelUnavailable when those
// caused it.
type Result struct {
	State      State
	Prediction model.Prediction
	Err        error
}

type TensorBuilder interface {
	ToTensor(path string) (model.Tensor, error)
}

type SessionProvider interface {
	EnsureSession() (model.Session, error)
}

type Predictor interface {
	Classify(input model.Tensor, session model.Session) (model.Prediction, error)
}

// Pipeline runs face gate, preprocessing and classification for one image.
// A nil gate skips straight to preprocessing.
type Pipeline struct {
	gate       facegate.Gate
	tensors    TensorBuilder
	sessions   SessionProvider
	classifier Predictor
	readable   func(path string) error
	logger     *zap.Logger
}

func New(gate facegate.Gate, tensors TensorBuilder, sessions SessionProvider, classifier Predictor, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		gate:       gate,
		tensors:    tensors,
		sessions:   sessions,
		classifier: classifier,
		readable:   preprocess.Readable,
		logger:     logger.Named("pipeline"),
	}
}

func (p *Pipeline) Run(path string) Result {
	return p.RunRequest("", path)
}

// RunRequest is Run with a request id attached to logs and errors.
func (p *Pipeline) RunRequest(requestID, path string) (res Result) {
	logger := logging.WithOperation(p.logger, "predict", requestID)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res = failed(StageRecovered, requestID, fmt.Errorf("panic: %v", r))
		}
		switch res.State {
		case StateDone:
			logger.Info("prediction complete",
				zap.String("emotion", res.Prediction.Emotion),
				zap.Int("class_id", res.Prediction.ClassID),
				zap.Float64("confidence", res.Prediction.Confidence),
				zap.Duration("elapsed", time.Since(start)))
		case StateRejected:
			logger.Info("no face detected", zap.Duration("elapsed", time.Since(start)))
		default:
			logger.Error("prediction failed",
				append(logging.ErrorFields(res.Err), zap.Duration("elapsed", time.Since(start)))...)
		}
	}()

	if p.gate != nil && !p.gate.HasFace(path) {
		if err := p.readable(path); err != nil {
			return failed(StageFaceGate, requestID, err)
		}
		return Result{State: StateRejected}
	}

	input, err := p.tensors.ToTensor(path)
	if err != nil {
		return failed(StagePreprocess, requestID, err)
	}

	session, err := p.sessions.EnsureSession()
	if err != nil {
		return failed(StageLoadModel, requestID, err)
	}

	prediction, err := p.classifier.Classify(input, session)
	if err != nil {
		return failed(StageClassify, requestID, err)
	}
	return Result{State: StateDone, Prediction: prediction}
}

func failed(stage, requestID string, err error) Result {
	return Result{
		State: StateFailed,
		Err:   logging.NewStageError(stage, requestID, err),
	}
}
