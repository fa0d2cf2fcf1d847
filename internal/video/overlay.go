package video

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/vzahanych/home-hub/internal/ai"
)

var boxColor = color.RGBA{0, 255, 0, 255}

const jpegQuality = 85

// DrawDetections decodes a JPEG frame, draws a box and label for every
// detection and re-encodes it.
func DrawDetections(jpegData []byte, detections []ai.Detection, label string) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	for _, det := range detections {
		box := det.Box.Canon().Intersect(bounds)
		if box.Empty() {
			continue
		}
		drawBox(rgba, box, boxColor, 2)
		drawLabel(rgba, box.Min.X, box.Min.Y-14, label, boxColor)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	return buf.Bytes(), nil
}

func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, r.Min.Y+t, c)
			img.SetRGBA(x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.SetRGBA(r.Min.X+t, y, c)
			img.SetRGBA(r.Max.X-1-t, y, c)
		}
	}
}

// drawLabel draws text on a dark background, clamped into the image
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	bounds := img.Bounds()
	if y < bounds.Min.Y {
		y = bounds.Min.Y
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}

	bg := image.Rect(x, y, x+len(label)*7+4, y+14).Intersect(bounds)
	draw.Draw(img, bg, image.NewUniform(color.RGBA{0, 0, 0, 180}), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x + 2), Y: fixed.I(y + 11)},
	}
	d.DrawString(label)
}
