package pipeline

import (
	"errors"

	"github.com/Brownie44l1/fer-gate/internal/model"
	"github.com/Brownie44l1/fer-gate/internal/preprocess"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const (
	MessageNoFace           = "No face detected"
	MessageUnreadable       = "Unable to read image"
	MessageModelUnavailable = "Model is not available, try again later"
	MessageFailed           = "Prediction failed"
)

// Response is the JSON body returned to API clients.
type Response struct {
	Status     string   `json:"status"`
	Emotion    string   `json:"emotion,omitempty"`
	ClassID    *int     `json:"class_id,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Message    string   `json:"message,omitempty"`
}

func NewResponse(res Result) Response {
	switch res.State {
	case StateDone:
		classID := res.Prediction.ClassID
		confidence := res.Prediction.Confidence
		return Response{
			Status:     StatusSuccess,
			Emotion:    res.Prediction.Emotion,
			ClassID:    &classID,
			Confidence: &confidence,
		}
	case StateRejected:
		return Response{Status: StatusError, Message: MessageNoFace}
	}

	switch {
	case errors.Is(res.Err, preprocess.ErrImageUnreadable):
		return Response{Status: StatusError, Message: MessageUnreadable}
	case errors.Is(res.Err, model.ErrModelUnavailable):
		return Response{Status: StatusError, Message: MessageModelUnavailable}
	default:
		return Response{Status: StatusError, Message: MessageFailed}
	}
}
