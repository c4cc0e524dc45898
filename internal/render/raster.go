package render

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Rasterize executes ops onto dst. Clear makes the surface transparent so
// the result can be composited over the frame.
func Rasterize(ops []Op, dst *image.RGBA) {
	for _, op := range ops {
		switch op.Kind {
		case OpClear:
			draw.Draw(dst, dst.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case OpFillRect:
			fill(dst, rectOf(op.X, op.Y, op.X+op.W, op.Y+op.H), op.Paint)
		case OpStrokeRect:
			stroke(dst, op)
		case OpText:
			text(dst, op)
		}
	}
}

// Composite draws the overlay over frame and returns a new image.
func Composite(frame image.Image, overlay *image.RGBA) *image.RGBA {
	b := frame.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), frame, b.Min, draw.Src)
	if overlay != nil {
		draw.Draw(out, out.Bounds(), overlay, overlay.Bounds().Min, draw.Over)
	}
	return out
}

func rectOf(x1, y1, x2, y2 float64) image.Rectangle {
	return image.Rect(int(math.Round(x1)), int(math.Round(y1)), int(math.Round(x2)), int(math.Round(y2))).Canon()
}

func fill(dst *image.RGBA, r image.Rectangle, p Paint) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(dst, r, image.NewUniform(color.NRGBA(p)), image.Point{}, draw.Over)
}

// stroke draws the outline centred on the rectangle edge, as a 2D canvas does.
func stroke(dst *image.RGBA, op Op) {
	half := op.LineWidth / 2
	x1, y1, x2, y2 := op.X, op.Y, op.X+op.W, op.Y+op.H
	fill(dst, rectOf(x1-half, y1-half, x2+half, y1+half), op.Paint)
	fill(dst, rectOf(x1-half, y2-half, x2+half, y2+half), op.Paint)
	fill(dst, rectOf(x1-half, y1+half, x1+half, y2-half), op.Paint)
	fill(dst, rectOf(x2-half, y1+half, x2+half, y2-half), op.Paint)
}

// text renders with the 7x13 bitmap face and scales it to FontPx.
func text(dst *image.RGBA, op Op) {
	face := basicfont.Face7x13
	d := &font.Drawer{Face: face}
	w := d.MeasureString(op.Text).Ceil()
	if w == 0 {
		return
	}
	ascent := face.Ascent
	glyphs := image.NewRGBA(image.Rect(0, 0, w, face.Height))
	d.Dst = glyphs
	d.Src = image.NewUniform(color.NRGBA(op.Paint))
	d.Dot = fixed.P(0, ascent)
	d.DrawString(op.Text)

	scale := 1.0
	if op.FontPx > 0 {
		scale = op.FontPx / float64(face.Height)
	}
	sw := int(math.Round(float64(w) * scale))
	sh := int(math.Round(float64(face.Height) * scale))
	top := op.Y - float64(ascent)*scale
	target := image.Rect(0, 0, sw, sh).Add(image.Pt(int(math.Round(op.X)), int(math.Round(top))))
	draw.ApproxBiLinear.Scale(dst, target, glyphs, glyphs.Bounds(), draw.Over, nil)
}

// EncodeJPEG encodes img at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodePNG encodes img losslessly, keeping transparency.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Downscale returns img scaled so that its longest side is at most maxSide.
// Images already within bounds are returned as is.
func Downscale(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if maxSide <= 0 || longest <= maxSide {
		return img
	}
	ratio := float64(maxSide) / float64(longest)
	out := image.NewRGBA(image.Rect(0, 0, int(math.Round(float64(w)*ratio)), int(math.Round(float64(h)*ratio))))
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

// Resize scales img to exactly w x h. An image already at that size is
// returned as is.
func Resize(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if w <= 0 || h <= 0 || (b.Dx() == w && b.Dy() == h) {
		return img
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}
