package detections

import (
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// Letterbox records how a source frame was fitted into the network input,
// so boxes can be mapped back to source pixels.
type Letterbox struct {
	ScaleX, ScaleY float32
	PadX, PadY     float32
	SrcWidth       int
	SrcHeight      int
}

// ToSource maps a point in network input space back to the source frame.
func (l Letterbox) ToSource(x, y float32) (float32, float32) {
	return (x - l.PadX) / l.ScaleX, (y - l.PadY) / l.ScaleY
}

// letterbox scales img to fit inside width x height keeping its aspect
// ratio, and centres it on a grey canvas.
func letterbox(img image.Image, width, height int) (*image.NRGBA, Letterbox) {
	b := img.Bounds()
	scale := math.Min(float64(width)/float64(b.Dx()), float64(height)/float64(b.Dy()))
	nw := max(1, int(math.Round(float64(b.Dx())*scale)))
	nh := max(1, int(math.Round(float64(b.Dy())*scale)))
	resized := imaging.Resize(img, nw, nh, imaging.Linear)

	fill := color.NRGBA{R: LetterboxFill, G: LetterboxFill, B: LetterboxFill, A: 255}
	padX := (width - nw) / 2
	padY := (height - nh) / 2
	canvas := imaging.Paste(imaging.New(width, height, fill), resized, image.Pt(padX, padY))

	return canvas, Letterbox{
		ScaleX:    float32(nw) / float32(b.Dx()),
		ScaleY:    float32(nh) / float32(b.Dy()),
		PadX:      float32(padX),
		PadY:      float32(padY),
		SrcWidth:  b.Dx(),
		SrcHeight: b.Dy(),
	}
}

// Preprocessor converts a letterboxed frame into an NCHW float32 buffer
// scaled to [0,1].
type Preprocessor struct {
	width, height int
	numWorkers    int
}

func NewPreprocessor(width, height int) *Preprocessor {
	return &Preprocessor{
		width:      width,
		height:     height,
		numWorkers: runtime.GOMAXPROCS(0),
	}
}

// Process letterboxes img and writes the tensor data straight into dst,
// which must hold 3*width*height values.
func (p *Preprocessor) Process(img image.Image, dst []float32) Letterbox {
	boxed, lb := letterbox(img, p.width, p.height)
	p.processParallel(boxed, dst[:3*p.width*p.height])
	return lb
}

func (p *Preprocessor) processParallel(img *image.NRGBA, buffer []float32) {
	channelSize := p.width * p.height
	numWorkers := min(p.numWorkers, p.height)
	rowsPerWorker := p.height / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == numWorkers-1 {
			endRow = p.height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride:]
				offset := y * p.width
				for x := 0; x < p.width; x++ {
					i := offset + x
					buffer[i] = float32(src[x*4]) / 255.0
					buffer[channelSize+i] = float32(src[x*4+1]) / 255.0
					buffer[channelSize*2+i] = float32(src[x*4+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}
