package model

import "fmt"

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Data  []float32
	Shape []int64
}

// Len is the element count implied by the shape.
func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range t.Shape {
		n *= int(dim)
	}
	return n
}

// checkLen fails unless t holds exactly want values and its shape agrees.
func (t Tensor) checkLen(want int) error {
	if n := t.Len(); n != want || len(t.Data) != n {
		return fmt.Errorf("expected %d input values, got %d (shape %v)", want, len(t.Data), t.Shape)
	}
	return nil
}

// Prediction is the decoded result for one image.
type Prediction struct {
	ClassID    int     `json:"class_id"`
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

// Session runs the loaded model. Run must be safe for concurrent use.
type Session interface {
	Run(input Tensor) ([]float32, error)
	Close() error
}
