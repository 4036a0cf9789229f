package attachments

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

var errNotImage = errors.New("not a supported image")

// detectImage recognises jpeg, png and webp by magic number.
func detectImage(header []byte) (string, bool) {
	if len(header) < 12 {
		return "", false
	}
	switch {
	case header[0] == 0xFF && header[1] == 0xD8 && header[2] == 0xFF:
		return "image/jpeg", true
	case bytes.HasPrefix(header, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png", true
	case string(header[0:4]) == "RIFF" && string(header[8:12]) == "WEBP":
		return "image/webp", true
	}
	return "", false
}

type recompressOptions struct {
	Budget  int64
	MaxDim  int
	Quality int
}

// minQuality is the floor for JPEG quality stepping.
const minQuality = 40

// recompress decodes data, downscales it to fit MaxDim (never upscaling),
// flattens alpha onto white, and re-encodes as JPEG, stepping quality down
// until the result fits Budget. The smallest encoding is returned even when
// the budget cannot be met.
func recompress(data []byte, mime string, opts recompressOptions) ([]byte, error) {
	var (
		img image.Image
		err error
	)
	switch mime {
	case "image/jpeg":
		img, err = jpeg.Decode(bytes.NewReader(data))
	case "image/png":
		img, err = png.Decode(bytes.NewReader(data))
	case "image/webp":
		img, err = webp.Decode(bytes.NewReader(data))
	default:
		return nil, errNotImage
	}
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, errNotImage
	}
	tw, th := fitWithin(w, h, opts.MaxDim)

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var best []byte
	for q := opts.Quality; q >= minQuality; q -= 10 {
		var out bytes.Buffer
		if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("encode: %w", err)
		}
		if best == nil || out.Len() < len(best) {
			best = out.Bytes()
		}
		if int64(out.Len()) <= opts.Budget {
			break
		}
	}
	return best, nil
}

func fitWithin(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	var tw, th int
	if w >= h {
		tw = maxDim
		th = int(float64(h) * float64(maxDim) / float64(w))
	} else {
		th = maxDim
		tw = int(float64(w) * float64(maxDim) / float64(h))
	}
	return max(tw, 1), max(th, 1)
}
