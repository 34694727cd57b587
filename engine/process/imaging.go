package process

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"

	// Decoders beyond the stdlib trio.
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/civilnas/indexer/engine/domain"
)

// thumbnailMaxEdge is the longest edge of a generated thumbnail.
const thumbnailMaxEdge = 320

// thumbnailQuality is the JPEG quality of generated thumbnails.
const thumbnailQuality = 80

// decodeImageFile decodes any registered format from disk.
func decodeImageFile(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: open image: %v", domain.ErrNotFound, err)
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode image: %v", domain.ErrCorruptInput, err)
	}
	return img, format, nil
}

// fitWithin scales the image down to fit within maxW x maxH, preserving
// aspect ratio. Images already inside the box are returned unchanged.
func fitWithin(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return img
	}
	scale := float64(maxW) / float64(w)
	if s := float64(maxH) / float64(h); s < scale {
		scale = s
	}
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// encodeJPEG renders img as JPEG at the given quality.
func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// makeThumbnail produces the standard JPEG thumbnail for an image.
func makeThumbnail(img image.Image) ([]byte, error) {
	return encodeJPEG(fitWithin(img, thumbnailMaxEdge, thumbnailMaxEdge), thumbnailQuality)
}

// preprocessForOCR converts to grayscale and stretches contrast over the
// middle of the luminance range. OCR on faded scans benefits; clean scans
// are unaffected enough that the flag defaults on only for images.
func preprocessForOCR(img image.Image) image.Image {
	b := img.Bounds()
	gray := image.NewGray(b)

	min, max := uint8(255), uint8(0)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
			gray.SetGray(x, y, color.Gray{Y: g})
			if g < min {
				min = g
			}
			if g > max {
				max = g
			}
		}
	}
	if max <= min {
		return gray
	}

	scale := 255.0 / float64(max-min)
	for i, v := range gray.Pix {
		gray.Pix[i] = uint8(float64(v-min) * scale)
	}
	return gray
}
