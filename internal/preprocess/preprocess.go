package preprocess

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/fer-gate/internal/config"
	"github.com/Brownie44l1/fer-gate/internal/model"
)

// ErrImageUnreadable is returned when the file is missing or cannot be
// decoded as a raster image.
var ErrImageUnreadable = errors.New("image unreadable")

var (
	imageNetMean = [3]float32{0.485, 0.456, 0.406}
	imageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocessor turns image files into model input tensors. Its output
// shape depends only on the model configuration.
type Preprocessor struct {
	width         int
	height        int
	channels      int
	normalization config.Normalization
	shape         []int64
}

func New(cfg *config.ModelConfig) *Preprocessor {
	return &Preprocessor{
		width:         cfg.Width,
		height:        cfg.Height,
		channels:      cfg.Channels,
		normalization: cfg.Normalization,
		shape:         cfg.InputShape(),
	}
}

// Readable reports whether path decodes as an image.
func Readable(path string) error {
	_, err := decode(path)
	return err
}

func decode(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageUnreadable, err)
	}
	return img, nil
}

// ToTensor decodes, converts color space, resizes with bilinear
// interpolation, scales to [0,1] and lays pixels out as (1, C, H, W).
func (p *Preprocessor) ToTensor(path string) (model.Tensor, error) {
	img, err := decode(path)
	if err != nil {
		return model.Tensor{}, err
	}

	if p.channels == 1 {
		img = imaging.Grayscale(img)
	}

	resized := imaging.Clone(resize.Resize(uint(p.width), uint(p.height), img, resize.Bilinear))

	width, height := p.width, p.height
	plane := width * height
	data := make([]float32, p.channels*plane)

	for y := 0; y < height; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < width; x++ {
			px := row[x*4 : x*4+3]
			pixelIndex := y*width + x

			if p.channels == 1 {
				data[pixelIndex] = float32(px[0]) / 255.0
				continue
			}
			data[pixelIndex] = float32(px[0]) / 255.0
			data[plane+pixelIndex] = float32(px[1]) / 255.0
			data[2*plane+pixelIndex] = float32(px[2]) / 255.0
		}
	}

	if p.normalization == config.NormalizeImageNet && p.channels == 3 {
		for c := 0; c < 3; c++ {
			channel := data[c*plane : (c+1)*plane]
			for i := range channel {
				channel[i] = (channel[i] - imageNetMean[c]) / imageNetStd[c]
			}
		}
	}

	return model.Tensor{
		Data:  data,
		Shape: append([]int64(nil), p.shape...),
	}, nil
}
