// Package preprocess turns uploaded photos into model input tensors.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"

	"github.com/Brownie44l1/skin-check/internal/model"
)

var (
	ErrEmptyImage        = errors.New("image is empty")
	ErrImageTooLarge     = errors.New("image exceeds upload limit")
	ErrTooManyPixels     = errors.New("image dimensions exceed pixel limit")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrDecode            = errors.New("image could not be decoded")
)

const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
)

// Limits bounds what an upload may cost. A value <= 0 disables that check.
type Limits struct {
	// MaxBytes caps the encoded file size.
	MaxBytes int64
	// MaxPixels caps width*height as declared in the image header, checked
	// before any pixel data is decoded.
	MaxPixels int64
}

// Preprocessor resizes to the input a loaded model declares.
type Preprocessor struct {
	spec   model.InputSpec
	limits Limits
}

func New(spec model.InputSpec, limits Limits) (*Preprocessor, error) {
	if spec.Channels != 3 || spec.Height < 1 || spec.Width < 1 {
		return nil, fmt.Errorf("%w: %s", model.ErrIncompatibleModel, spec)
	}
	return &Preprocessor{spec: spec, limits: limits}, nil
}

// Spec is the input the tensors are shaped for.
func (p *Preprocessor) Spec() model.InputSpec {
	return p.spec
}

// Decode sniffs the content type, accepting JPEG and PNG only, and decodes
// the image. It returns the detected MIME type.
func (p *Preprocessor) Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}
	if p.limits.MaxBytes > 0 && int64(len(data)) > p.limits.MaxBytes {
		return nil, "", fmt.Errorf("%w: %d bytes, limit %d", ErrImageTooLarge, len(data), p.limits.MaxBytes)
	}

	detected := mimetype.Detect(data)
	if !detected.Is(MIMEJPEG) && !detected.Is(MIMEPNG) {
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, detected.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); p.limits.MaxPixels > 0 && pixels > p.limits.MaxPixels {
		return nil, "", fmt.Errorf("%w: %dx%d, limit %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, p.limits.MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, detected.String(), nil
}

// Tensor converts img to RGB, resizes it to the declared height and width
// without preserving aspect ratio, and scales values into [0,1].
func (p *Preprocessor) Tensor(img image.Image) []float32 {
	rgb := ToRGB(img)
	resized := resize.Resize(uint(p.spec.Width), uint(p.spec.Height), rgb, resize.Bicubic)

	bounds := resized.Bounds()
	width, height := p.spec.Width, p.spec.Height
	plane := width * height

	inputData := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			rNorm := float32(r) / 65535.0
			gNorm := float32(g) / 65535.0
			bNorm := float32(b) / 65535.0

			pixelIndex := y*width + x
			if p.spec.Layout == model.LayoutNCHW {
				inputData[pixelIndex] = rNorm
				inputData[plane+pixelIndex] = gNorm
				inputData[2*plane+pixelIndex] = bNorm
				continue
			}
			inputData[3*pixelIndex] = rNorm
			inputData[3*pixelIndex+1] = gNorm
			inputData[3*pixelIndex+2] = bNorm
		}
	}
	return inputData
}

// Prepare decodes data and returns the model input tensor together with
// the decoded image and its MIME type.
func (p *Preprocessor) Prepare(data []byte) ([]float32, image.Image, string, error) {
	img, format, err := p.Decode(data)
	if err != nil {
		return nil, nil, "", err
	}
	return p.Tensor(img), img, format, nil
}

// ToRGB flattens any color model into an opaque RGBA image. Alpha is
// discarded and the straight color kept, so transparent regions are not
// blended toward black.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	straight := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.NRGBA); ok {
		// draw would premultiply and lose the color under zero alpha
		for y := 0; y < b.Dy(); y++ {
			copy(straight.Pix[y*straight.Stride:(y+1)*straight.Stride], src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):])
		}
	} else {
		draw.Draw(straight, straight.Bounds(), img, b.Min, draw.Src)
	}

	rgb := image.NewRGBA(straight.Bounds())
	for i := 0; i < len(straight.Pix); i += 4 {
		rgb.Pix[i] = straight.Pix[i]
		rgb.Pix[i+1] = straight.Pix[i+1]
		rgb.Pix[i+2] = straight.Pix[i+2]
		rgb.Pix[i+3] = 0xff
	}
	return rgb
}
