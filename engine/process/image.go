package process

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"

	"github.com/civilnas/indexer/engine/domain"
)

// ImageProcessor OCRs raster images and generates their thumbnail.
type ImageProcessor struct {
	ocr ocrEngine
	// Preprocess runs grayscale + contrast stretch before OCR.
	Preprocess bool
}

// NewImageProcessor creates the image processor. preprocess enables the
// OCR preprocessing pass.
func NewImageProcessor(preprocess bool) *ImageProcessor {
	return &ImageProcessor{ocr: tesseractEngine{}, Preprocess: preprocess}
}

func (p *ImageProcessor) Name() string    { return "image" }
func (p *ImageProcessor) Version() string { return "2.1.0" }
func (p *ImageProcessor) MaxBytes() int64 { return 50 * 1024 * 1024 }

func (p *ImageProcessor) CanProcess(path string) bool {
	return IsImageExtension(domain.Extension(path))
}

func (p *ImageProcessor) Process(ctx context.Context, req Request) Result {
	img, format, err := decodeImageFile(req.LocalPath)
	if err != nil {
		return failed(err)
	}
	bounds := img.Bounds()

	thumb, err := makeThumbnail(img)
	if err != nil {
		return failed(fmt.Errorf("%w: thumbnail: %v", domain.ErrProcessingFailure, err))
	}

	ocrPath := req.LocalPath
	if p.Preprocess {
		// Tesseract reads from disk, so the preprocessed frame goes to a
		// sibling temp file removed before returning.
		pre := req.LocalPath + ".ocr.png"
		if err := writePNG(pre, preprocessForOCR(img)); err == nil {
			ocrPath = pre
			defer os.Remove(pre)
		}
	}

	out, err := recognizeWithFallback(ctx, p.ocr, ocrPath)
	if err != nil {
		return failed(err)
	}

	return Result{
		Success:         true,
		FileType:        "image",
		MimeType:        MimeType(req.FileName),
		ExtractedText:   out.Text,
		PageCount:       1,
		ThumbnailBytes:  thumb,
		ThumbnailFormat: "jpeg",
		OCRConfidence:   out.Confidence,
		OCRLanguage:     out.Language,
		Metadata: map[string]string{
			"width":  fmt.Sprint(bounds.Dx()),
			"height": fmt.Sprint(bounds.Dy()),
			"format": format,
		},
	}
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
