package frames

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	StageBase64 = "base64"
	StageImage  = "image"
)

// DecodeError is returned when a frame payload is not valid base64 or not
// a recognised image.
type DecodeError struct {
	Stage string
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Stage, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Frame is a decoded colour raster. It belongs to a single inference call.
type Frame struct {
	Image  *image.NRGBA
	Format string
}

func (f *Frame) Width() int {
	return f.Image.Bounds().Dx()
}

func (f *Frame) Height() int {
	return f.Image.Bounds().Dy()
}

// StripDataURL drops a "data:<mime>;base64," style header. Everything up to
// and including the first comma is discarded.
func StripDataURL(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[i+1:]
	}
	return s
}

// cleanBase64 drops every byte outside the standard base64 alphabet, so
// payloads with embedded whitespace or line breaks still decode.
func cleanBase64(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9',
			r == '+', r == '/', r == '=':
			return r
		}
		return -1
	}, s)
}

// DecodeDataURL decodes a data URL or bare base64 string into a Frame.
// Characters outside the base64 alphabet are ignored.
func DecodeDataURL(s string) (*Frame, error) {
	raw, err := base64.StdEncoding.DecodeString(cleanBase64(StripDataURL(s)))
	if err != nil {
		return nil, &DecodeError{Stage: StageBase64, Cause: err}
	}
	return DecodeImage(raw)
}

// DecodeImage decodes encoded image bytes and flattens them to opaque RGB.
func DecodeImage(data []byte) (*Frame, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Stage: StageImage, Cause: err}
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, &DecodeError{Stage: StageImage, Cause: fmt.Errorf("empty %s image", format)}
	}

	// Composite onto black so transparent pixels decode like a 3-channel read.
	rgb := imaging.New(b.Dx(), b.Dy(), image.Black)
	rgb = imaging.Overlay(rgb, img, image.Pt(0, 0), 1.0)
	return &Frame{Image: rgb, Format: format}, nil
}
