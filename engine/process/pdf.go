package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/civilnas/indexer/engine/domain"
)

const (
	// ocrChunkPages is how many pages are rasterised and OCR'd between
	// forced GC passes. Rasterised pages are large; without the chunking a
	// 500-page scan walks the worker into the memory high-water mark.
	ocrChunkPages = 10

	ocrDPI       = 200
	thumbnailDPI = 72
)

// PDFProcessor extracts native text and falls back to page-by-page OCR for
// scanned documents.
type PDFProcessor struct {
	ocr    ocrEngine
	raster func(ctx context.Context, pdfPath string, page, dpi int) (string, error)
}

// NewPDFProcessor creates the PDF processor.
func NewPDFProcessor() *PDFProcessor {
	return &PDFProcessor{ocr: tesseractEngine{}, raster: rasterizePDFPage}
}

func (p *PDFProcessor) Name() string    { return "pdf" }
func (p *PDFProcessor) Version() string { return "2.1.0" }
func (p *PDFProcessor) MaxBytes() int64 { return 500 * 1024 * 1024 }

func (p *PDFProcessor) CanProcess(path string) bool {
	return domain.Extension(path) == ".pdf"
}

func (p *PDFProcessor) Process(ctx context.Context, req Request) Result {
	text, pages, err := extractPDFText(req.LocalPath)
	if err != nil {
		return failed(err)
	}

	result := Result{
		Success:       true,
		FileType:      "pdf",
		MimeType:      "application/pdf",
		ExtractedText: text,
		PageCount:     pages,
	}

	if strings.TrimSpace(text) == "" {
		// Scanned document: rasterise and OCR page by page. Chunking
		// bounds memory, so even oversized scans get every page.
		ocrText, conf, err := p.ocrAllPages(ctx, req.LocalPath, pages)
		if err != nil {
			return failed(err)
		}
		result.ExtractedText = ocrText
		result.OCRConfidence = conf
		result.OCRLanguage = ocrLangPrimary
	}

	if thumb, err := p.renderThumbnail(ctx, req.LocalPath); err == nil {
		result.ThumbnailBytes = thumb
		result.ThumbnailFormat = "jpeg"
	}
	return result
}

// ocrAllPages OCRs every page in chunks, forcing GC between chunks.
func (p *PDFProcessor) ocrAllPages(ctx context.Context, path string, pages int) (string, float64, error) {
	var texts []string
	var confSum float64
	var confPages int

	for chunk := 0; chunk*ocrChunkPages < pages; chunk++ {
		first := chunk*ocrChunkPages + 1
		last := (chunk + 1) * ocrChunkPages
		if last > pages {
			last = pages
		}
		for page := first; page <= last; page++ {
			if ctx.Err() != nil {
				return "", 0, fmt.Errorf("%w: ocr cancelled at page %d", domain.ErrTimeout, page)
			}
			img, err := p.raster(ctx, path, page, ocrDPI)
			if err != nil {
				return "", 0, err
			}
			out, err := recognizeWithFallback(ctx, p.ocr, img)
			os.Remove(img)
			if err != nil {
				return "", 0, err
			}
			if strings.TrimSpace(out.Text) != "" {
				texts = append(texts, out.Text)
				confSum += out.Confidence
				confPages++
			}
		}
		runtime.GC()
	}

	var conf float64
	if confPages > 0 {
		conf = confSum / float64(confPages)
	}
	return strings.Join(texts, "\n"), conf, nil
}

// renderThumbnail rasterises the first page at low DPI and scales it down.
func (p *PDFProcessor) renderThumbnail(ctx context.Context, path string) ([]byte, error) {
	img, err := p.raster(ctx, path, 1, thumbnailDPI)
	if err != nil {
		return nil, err
	}
	defer os.Remove(img)
	decoded, _, err := decodeImageFile(img)
	if err != nil {
		return nil, err
	}
	return makeThumbnail(decoded)
}

// extractPDFText reads the native text layer and page count.
func extractPDFText(path string) (string, int, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: open pdf: %v", domain.ErrCorruptInput, err)
	}
	defer f.Close()

	pages := reader.NumPage()
	var b strings.Builder
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			continue // a broken page loses its text, not the document
		}
		b.WriteString(content)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String()), pages, nil
}

// rasterizePDFPage renders one page to a JPEG via pdftoppm and returns the
// produced file path. The caller removes it.
func rasterizePDFPage(ctx context.Context, pdfPath string, page, dpi int) (string, error) {
	prefix := pdfPath + "-p" + strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-jpeg",
		"-r", strconv.Itoa(dpi),
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		pdfPath, prefix,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: rasterise page %d: %v", domain.ErrTimeout, page, ctx.Err())
		}
		return "", fmt.Errorf("%w: rasterise page %d: %v: %s",
			domain.ErrProcessingFailure, page, err, truncate(string(out), 200))
	}

	// pdftoppm pads the page number, so glob for the single output file.
	matches, err := filepath.Glob(prefix + "-*.jpg")
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("%w: rasterise page %d produced no output", domain.ErrProcessingFailure, page)
	}
	return matches[0], nil
}

// PreviewOptions are the rendering knobs for per-page previews.
type PreviewOptions struct {
	DPI       int
	MaxWidth  int
	MaxHeight int
	Quality   int
	MaxPages  int
}

// PageImage is one rendered preview page.
type PageImage struct {
	Page   int
	Bytes  []byte
	Width  int
	Height int
}

// RenderPreviews rasterises up to MaxPages pages of a PDF, scaled to fit the
// configured box. Used by the preview worker.
func RenderPreviews(ctx context.Context, pdfPath string, opts PreviewOptions) ([]PageImage, error) {
	_, pages, err := extractPDFText(pdfPath)
	if err != nil {
		return nil, err
	}
	if opts.MaxPages > 0 && pages > opts.MaxPages {
		pages = opts.MaxPages
	}

	out := make([]PageImage, 0, pages)
	for page := 1; page <= pages; page++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: preview render cancelled", domain.ErrTimeout)
		}
		raw, err := rasterizePDFPage(ctx, pdfPath, page, opts.DPI)
		if err != nil {
			return nil, err
		}
		img, _, err := decodeImageFile(raw)
		os.Remove(raw)
		if err != nil {
			return nil, err
		}
		fitted := fitWithin(img, opts.MaxWidth, opts.MaxHeight)
		data, err := encodeJPEG(fitted, opts.Quality)
		if err != nil {
			return nil, fmt.Errorf("%w: encode preview page %d: %v", domain.ErrProcessingFailure, page, err)
		}
		b := fitted.Bounds()
		out = append(out, PageImage{Page: page, Bytes: data, Width: b.Dx(), Height: b.Dy()})
		if page%ocrChunkPages == 0 {
			runtime.GC()
		}
	}
	return out, nil
}
