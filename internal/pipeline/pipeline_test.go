package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Brownie44l1/fer-gate/internal/logging"
	"github.com/Brownie44l1/fer-gate/internal/model"
	"github.com/Brownie44l1/fer-gate/internal/preprocess"
)

type stubGate struct {
	face  bool
	calls int
}

func (g *stubGate) HasFace(path string) bool {
	g.calls++
	return g.face
}

func (g *stubGate) Close() error { return nil }

type stubTensors struct {
	err   error
	calls int
}

func (s *stubTensors) ToTensor(path string) (model.Tensor, error) {
	s.calls++
	if s.err != nil {
		return model.Tensor{}, s.err
	}
	return model.Tensor{Data: []float32{0.5}, Shape: []int64{1, 1, 1, 1}}, nil
}

type stubSessions struct {
	err   error
	calls int
}

func (s *stubSessions) EnsureSession() (model.Session, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return nil, nil
}

type stubClassifier struct {
	prediction model.Prediction
	err        error
	panicWith  any
	calls      int
}

func (c *stubClassifier) Classify(input model.Tensor, session model.Session) (model.Prediction, error) {
	c.calls++
	if c.panicWith != nil {
		panic(c.panicWith)
	}
	return c.prediction, c.err
}

type fixture struct {
	gate       *stubGate
	tensors    *stubTensors
	sessions   *stubSessions
	classifier *stubClassifier
	pipeline   *Pipeline
}

func newFixture(face bool) *fixture {
	f := &fixture{
		gate:     &stubGate{face: face},
		tensors:  &stubTensors{},
		sessions: &stubSessions{},
		classifier: &stubClassifier{
			prediction: model.Prediction{ClassID: 3, Emotion: "happy", Confidence: 0.91},
		},
	}
	f.pipeline = New(f.gate, f.tensors, f.sessions, f.classifier, nil)
	f.pipeline.readable = func(string) error { return nil }
	return f
}

func TestRunNoFaceNeverClassifies(t *testing.T) {
	f := newFixture(false)

	res := f.pipeline.Run("blank.png")
	assert.Equal(t, StateRejected, res.State)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, f.gate.calls)
	assert.Equal(t, 0, f.tensors.calls)
	assert.Equal(t, 0, f.sessions.calls)
	assert.Equal(t, 0, f.classifier.calls)
}

func TestRunSuccess(t *testing.T) {
	f := newFixture(true)

	res := f.pipeline.RunRequest("req-1", "face.jpg")
	require.Equal(t, StateDone, res.State)
	assert.Equal(t, "happy", res.Prediction.Emotion)
	assert.Equal(t, 1, f.classifier.calls)
}

func TestRunWithoutGate(t *testing.T) {
	f := newFixture(false)
	f.pipeline.gate = nil

	res := f.pipeline.Run("face.jpg")
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 0, f.gate.calls)
}

func TestRunUnreadableBehindGate(t *testing.T) {
	f := newFixture(false)
	f.pipeline.readable = func(string) error {
		return fmt.Errorf("%w: unknown format", preprocess.ErrImageUnreadable)
	}

	res := f.pipeline.RunRequest("req-2", "broken.jpg")
	require.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, preprocess.ErrImageUnreadable)
	assert.Equal(t, 0, f.classifier.calls)

	var stageErr *logging.StageError
	require.ErrorAs(t, res.Err, &stageErr)
	assert.Equal(t, StageFaceGate, stageErr.Stage)
	assert.Equal(t, "req-2", stageErr.RequestID)
}

func TestRunUnreadableWithoutGate(t *testing.T) {
	f := newFixture(true)
	f.pipeline.gate = nil
	f.tensors.err = fmt.Errorf("%w: truncated", preprocess.ErrImageUnreadable)

	res := f.pipeline.Run("broken.jpg")
	require.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, preprocess.ErrImageUnreadable)
	assert.Equal(t, 0, f.sessions.calls)
}

func TestRunModelUnavailable(t *testing.T) {
	f := newFixture(true)
	f.sessions.err = fmt.Errorf("%w: set MODEL_URL", model.ErrModelUnavailable)

	res := f.pipeline.Run("face.jpg")
	require.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, model.ErrModelUnavailable)
	assert.Equal(t, 0, f.classifier.calls)
}

func TestRunLogsFailingStage(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := newFixture(true)
	f.pipeline.logger = zap.New(core)
	f.sessions.err = fmt.Errorf("%w: set MODEL_URL", model.ErrModelUnavailable)

	f.pipeline.RunRequest("req-4", "face.jpg")

	failures := logs.FilterMessage("prediction failed").All()
	require.Len(t, failures, 1)
	fields := failures[0].ContextMap()
	assert.Equal(t, StageLoadModel, fields["stage"])
	assert.Equal(t, "req-4", fields["request_id"])
	assert.Contains(t, fields["error"], "set MODEL_URL")
}

func TestRunRecoversPanics(t *testing.T) {
	f := newFixture(true)
	f.classifier.panicWith = "index out of range"

	res := f.pipeline.Run("face.jpg")
	require.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Err.Error(), "index out of range")

	var stageErr *logging.StageError
	require.ErrorAs(t, res.Err, &stageErr)
	assert.Equal(t, StageRecovered, stageErr.Stage)
}

func TestNewResponse(t *testing.T) {
	done := NewResponse(Result{State: StateDone, Prediction: model.Prediction{ClassID: 0, Emotion: "angry", Confidence: 0.7}})
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, "angry", done.Emotion)
	require.NotNil(t, done.ClassID)
	assert.Equal(t, 0, *done.ClassID)
	require.NotNil(t, done.Confidence)
	assert.Equal(t, 0.7, *done.Confidence)
	assert.Empty(t, done.Message)

	rejected := NewResponse(Result{State: StateRejected})
	assert.Equal(t, Response{Status: StatusError, Message: MessageNoFace}, rejected)

	unreadable := NewResponse(failed(StagePreprocess, "", preprocess.ErrImageUnreadable))
	assert.Equal(t, MessageUnreadable, unreadable.Message)
	assert.NotEqual(t, rejected.Message, unreadable.Message)

	unavailable := NewResponse(failed(StageLoadModel, "", model.ErrModelUnavailable))
	assert.Equal(t, MessageModelUnavailable, unavailable.Message)

	other := NewResponse(failed(StageClassify, "", errors.New("ort: bad shape")))
	assert.Equal(t, Response{Status: StatusError, Message: MessageFailed}, other)
}
