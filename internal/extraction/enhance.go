package extraction

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Enhance applies the fixed crop clean-up: luminance stretch, light blur for
// noise and an unsharp mask. Output depends only on the input and cfg.
func Enhance(img image.Image, cfg Config) *image.NRGBA {
	out := stretchContrast(img)
	if cfg.DenoiseSigma > 0 {
		out = imaging.Blur(out, cfg.DenoiseSigma)
	}
	if cfg.SharpenSigma > 0 {
		out = imaging.Sharpen(out, cfg.SharpenSigma)
	}
	return out
}

// PrepareForReading converts to grayscale and upsizes to minWidth when narrower.
// It never downsizes.
func PrepareForReading(img image.Image, minWidth int) *image.NRGBA {
	gray := imaging.Grayscale(img)
	if w := gray.Bounds().Dx(); minWidth > 0 && w < minWidth {
		return imaging.Resize(gray, minWidth, 0, imaging.CatmullRom)
	}
	return gray
}

func stretchContrast(img image.Image) *image.NRGBA {
	src := imaging.Clone(img)
	lo, hi := uint8(255), uint8(0)
	for i := 0; i+3 < len(src.Pix); i += 4 {
		y := luma(src.Pix[i], src.Pix[i+1], src.Pix[i+2])
		lo = min(lo, y)
		hi = max(hi, y)
	}
	if hi <= lo {
		return src
	}

	scale := 255.0 / float64(hi-lo)
	stretch := func(v uint8) uint8 {
		if v <= lo {
			return 0
		}
		if v >= hi {
			return 255
		}
		return uint8(float64(v-lo)*scale + 0.5)
	}
	return imaging.AdjustFunc(src, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: stretch(c.R), G: stretch(c.G), B: stretch(c.B), A: c.A}
	})
}

func luma(r, g, b uint8) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b) + 500) / 1000)
}
