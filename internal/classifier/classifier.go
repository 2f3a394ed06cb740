package classifier

import (
	"fmt"
	"math"

	"github.com/Brownie44l1/fer-gate/internal/config"
	"github.com/Brownie44l1/fer-gate/internal/model"
)

// Decoder turns a raw output vector into a class index and confidence.
type Decoder interface {
	Decode(scores []float32) (classID int, confidence float64)
}

// SoftmaxDecoder picks the most probable class after a softmax. The
// confidence is that class's probability.
type SoftmaxDecoder struct{}

func (SoftmaxDecoder) Decode(scores []float32) (int, float64) {
	probs := Softmax(scores)
	idx := argMax64(probs)
	return idx, probs[idx]
}

// ArgMaxDecoder picks the highest raw score and reports it unchanged, so
// its confidence is not bounded to [0,1].
type ArgMaxDecoder struct{}

func (ArgMaxDecoder) Decode(scores []float32) (int, float64) {
	idx := 0
	for i, v := range scores {
		if v > scores[idx] {
			idx = i
		}
	}
	return idx, float64(scores[idx])
}

// Softmax subtracts the max before exponentiating so large logits cannot
// overflow. +Inf logits share all of the mass; all -Inf yields uniform.
func Softmax(logits []float32) []float64 {
	probs := make([]float64, len(logits))
	if len(logits) == 0 {
		return probs
	}

	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = math.Max(maxLogit, float64(v))
	}
	if math.IsInf(maxLogit, 0) {
		return infiniteSoftmax(logits, maxLogit, probs)
	}

	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func infiniteSoftmax(logits []float32, maxLogit float64, probs []float64) []float64 {
	var hits int
	for _, v := range logits {
		if float64(v) == maxLogit {
			hits++
		}
	}
	for i, v := range logits {
		if float64(v) == maxLogit {
			probs[i] = 1 / float64(hits)
		}
	}
	return probs
}

func argMax64(values []float64) int {
	idx := 0
	for i, v := range values {
		if v > values[idx] {
			idx = i
		}
	}
	return idx
}

type Classifier struct {
	labels  config.LabelSet
	decoder Decoder
}

func New(cfg *config.ModelConfig) *Classifier {
	var decoder Decoder = SoftmaxDecoder{}
	if cfg.Decoder == config.DecoderArgMax {
		decoder = ArgMaxDecoder{}
	}
	return &Classifier{labels: cfg.Labels, decoder: decoder}
}

// Classify runs the tensor through session and decodes the top class.
func (c *Classifier) Classify(input model.Tensor, session model.Session) (model.Prediction, error) {
	scores, err := session.Run(input)
	if err != nil {
		return model.Prediction{}, err
	}
	if len(scores) == 0 {
		return model.Prediction{}, fmt.Errorf("model returned no scores")
	}
	for i, v := range scores {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return model.Prediction{}, fmt.Errorf("model returned non-finite score %v at index %d", v, i)
		}
	}

	idx, confidence := c.decoder.Decode(scores)
	return model.Prediction{
		ClassID:    idx,
		Emotion:    c.labels.Name(idx),
		Confidence: confidence,
	}, nil
}
