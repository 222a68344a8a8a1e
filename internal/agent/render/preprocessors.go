package render

import (
	"image"

	"github.com/disintegration/imaging"
)

// Preprocessor transforms a rasterized page before it is encoded.
type Preprocessor interface {
	Process(img image.Image) (image.Image, error)
}

// 灰度处理器
type GrayscaleProcessor struct{}

func NewGrayscaleProcessor() *GrayscaleProcessor {
	return &GrayscaleProcessor{}
}

func (p *GrayscaleProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}

// ResizeProcessor caps the page width, keeping the aspect ratio.
type ResizeProcessor struct {
	maxWidth int
}

func NewResizeProcessor(maxWidth int) *ResizeProcessor {
	return &ResizeProcessor{maxWidth: maxWidth}
}

func (p *ResizeProcessor) Process(img image.Image) (image.Image, error) {
	if p.maxWidth <= 0 || img.Bounds().Dx() <= p.maxWidth {
		return img, nil
	}
	return imaging.Resize(img, p.maxWidth, 0, imaging.Lanczos), nil
}

// Pipeline applies preprocessors in order.
type Pipeline []Preprocessor

func (p Pipeline) Process(img image.Image) (image.Image, error) {
	var err error
	for _, step := range p {
		if img, err = step.Process(img); err != nil {
			return nil, err
		}
	}
	return img, nil
}
