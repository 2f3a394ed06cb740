package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FaceDetectorKind selects the face gate strategy for a deployment.
type FaceDetectorKind string

const (
	DetectorNone    FaceDetectorKind = "none"
	DetectorCascade FaceDetectorKind = "cascade"
	DetectorSSD     FaceDetectorKind = "ssd"
	DetectorPico    FaceDetectorKind = "pico"
)

// Normalization is applied to [0,1] pixel values before inference.
type Normalization string

const (
	NormalizeUnit     Normalization = "unit"
	NormalizeImageNet Normalization = "imagenet"
)

// Decoder selects how raw model output becomes a prediction.
type Decoder string

const (
	DecoderSoftmax Decoder = "softmax"
	DecoderArgMax  Decoder = "argmax"
)

const (
	DefaultWidth        = 224
	DefaultHeight       = 224
	DefaultChannels     = 3
	DefaultThreshold    = 0.6
	DefaultPicoQuality  = 5.0
	DefaultScaleFactor  = 1.2
	DefaultMinNeighbors = 5
)

// LabelSet is the ordered list of emotion names. Index is the class id.
type LabelSet struct {
	names []string
}

// NewLabelSet copies names into an immutable label set.
func NewLabelSet(names ...string) LabelSet {
	return LabelSet{names: append([]string(nil), names...)}
}

func (l LabelSet) Len() int { return len(l.names) }

// Name resolves a class id, falling back to the stringified index when the
// id is outside the configured labels.
func (l LabelSet) Name(idx int) string {
	if idx >= 0 && idx < len(l.names) {
		return l.names[idx]
	}
	return strconv.Itoa(idx)
}

// Names returns a copy of the labels.
func (l LabelSet) Names() []string {
	return append([]string(nil), l.names...)
}

type FaceDetectorConfig struct {
	Kind         FaceDetectorKind `json:"kind" validate:"omitempty,oneof=none cascade ssd pico"`
	Threshold    float64          `json:"threshold,omitempty" validate:"gte=0"`
	ScaleFactor  float64          `json:"scale_factor,omitempty" validate:"omitempty,gt=1"`
	MinNeighbors int              `json:"min_neighbors,omitempty" validate:"gte=0"`
	CascadeFile  string           `json:"cascade_file,omitempty"`
	ProtoFile    string           `json:"proto_file,omitempty"`
	WeightsFile  string           `json:"weights_file,omitempty"`
}

// Enabled reports whether a face gate should run before classification.
func (f FaceDetectorConfig) Enabled() bool {
	return f.Kind != "" && f.Kind != DetectorNone
}

// ModelConfig drives both tensor preprocessing and output decoding.
// It is loaded once and must be treated as read-only.
type ModelConfig struct {
	Labels        LabelSet
	Width         int
	Height        int
	Channels      int
	Normalization Normalization
	Decoder       Decoder
	ModelFile     string
	FaceDetector  FaceDetectorConfig
}

// InputShape is the (1, C, H, W) tensor shape the model expects.
func (c *ModelConfig) InputShape() []int64 {
	return []int64{1, int64(c.Channels), int64(c.Height), int64(c.Width)}
}

// ArtifactName maps the checkpoint name to its exported ONNX file name.
func (c *ModelConfig) ArtifactName() string {
	name := filepath.Base(c.ModelFile)
	if ext := filepath.Ext(name); strings.EqualFold(ext, ".pth") || strings.EqualFold(ext, ".pt") {
		name = strings.TrimSuffix(name, ext) + ".onnx"
	}
	return name
}

type fileConfig struct {
	Labels        []string           `json:"labels" validate:"required,min=1,dive,required"`
	InputSize     []int              `json:"input_size" validate:"omitempty,len=2,dive,gt=0"`
	Channels      int                `json:"channels" validate:"omitempty,oneof=1 3"`
	Normalization Normalization      `json:"normalization" validate:"omitempty,oneof=unit imagenet"`
	Decoder       Decoder            `json:"decoder" validate:"omitempty,oneof=softmax argmax"`
	ModelFile     string             `json:"model_file" validate:"required"`
	FaceDetector  FaceDetectorConfig `json:"face_detector"`
}

// Load reads and validates a model configuration file.
func Load(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON model configuration and applies defaults.
func Parse(data []byte) (*ModelConfig, error) {
	var raw fileConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	if err := validator.New().Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	if raw.Normalization == NormalizeImageNet && raw.Channels == 1 {
		return nil, fmt.Errorf("invalid model config: imagenet normalization needs 3 channels")
	}

	cfg := &ModelConfig{
		Labels:        NewLabelSet(raw.Labels...),
		Width:         DefaultWidth,
		Height:        DefaultHeight,
		Channels:      DefaultChannels,
		Normalization: NormalizeUnit,
		Decoder:       DecoderSoftmax,
		ModelFile:     raw.ModelFile,
		FaceDetector:  raw.FaceDetector,
	}
	if len(raw.InputSize) == 2 {
		cfg.Width, cfg.Height = raw.InputSize[0], raw.InputSize[1]
	}
	if raw.Channels != 0 {
		cfg.Channels = raw.Channels
	}
	if raw.Normalization != "" {
		cfg.Normalization = raw.Normalization
	}
	if raw.Decoder != "" {
		cfg.Decoder = raw.Decoder
	}
	applyDetectorDefaults(&cfg.FaceDetector)
	return cfg, nil
}

func applyDetectorDefaults(f *FaceDetectorConfig) {
	if f.Threshold == 0 {
		switch f.Kind {
		case DetectorSSD:
			f.Threshold = DefaultThreshold
		case DetectorPico:
			f.Threshold = DefaultPicoQuality
		}
	}
	if f.ScaleFactor == 0 {
		f.ScaleFactor = DefaultScaleFactor
	}
	if f.MinNeighbors == 0 {
		f.MinNeighbors = DefaultMinNeighbors
	}
}
