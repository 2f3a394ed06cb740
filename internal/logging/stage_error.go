package logging

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// StageError records which stage of a request produced err. Callers log it
// with Fields and match the cause through errors.Is.
type StageError struct {
	Stage     string
	RequestID string
	Err       error
}

func (e *StageError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Fields is the structured form of the error for zap. The request id is
// left to the logger, which WithOperation already tags.
func (e *StageError) Fields() []zap.Field {
	return []zap.Field{zap.String("stage", e.Stage), zap.Error(e.Err)}
}

// NewStageError wraps err, returning nil when err is nil.
func NewStageError(stage, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, RequestID: requestID, Err: err}
}

// ErrorFields returns the fields of the first StageError in err's chain, or
// a plain error field when there is none.
func ErrorFields(err error) []zap.Field {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Fields()
	}
	return []zap.Field{zap.Error(err)}
}
