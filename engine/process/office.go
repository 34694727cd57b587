package process

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/civilnas/indexer/engine/domain"
)

// officeConvertTimeout bounds one LibreOffice conversion. Stuck soffice
// processes otherwise hold the message until its visibility lapses.
const officeConvertTimeout = 180 * time.Second

// OfficeProcessor converts Office documents to PDF with LibreOffice and runs
// the converted file through the PDF pipeline.
type OfficeProcessor struct {
	pdf     *PDFProcessor
	timeout time.Duration
}

// NewOfficeProcessor creates the Office processor.
func NewOfficeProcessor() *OfficeProcessor {
	return &OfficeProcessor{pdf: NewPDFProcessor(), timeout: officeConvertTimeout}
}

func (p *OfficeProcessor) Name() string    { return "office" }
func (p *OfficeProcessor) Version() string { return "2.1.0" }
func (p *OfficeProcessor) MaxBytes() int64 { return 200 * 1024 * 1024 }

func (p *OfficeProcessor) CanProcess(path string) bool {
	ext := domain.Extension(path)
	for _, e := range OfficeExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (p *OfficeProcessor) Process(ctx context.Context, req Request) Result {
	ext := domain.Extension(req.FileName)

	pdfPath, err := p.ConvertToPDF(ctx, req.LocalPath)
	if err != nil {
		return failed(err)
	}
	defer os.Remove(pdfPath)

	inner := req
	inner.LocalPath = pdfPath
	inner.FileName = strings.TrimSuffix(req.FileName, ext) + ".pdf"
	result := p.pdf.Process(ctx, inner)
	if !result.Success {
		return result
	}

	result.FileType = "office"
	result.MimeType = MimeType(req.FileName)
	if result.Metadata == nil {
		result.Metadata = map[string]string{}
	}
	result.Metadata["sourceFormat"] = strings.TrimPrefix(ext, ".")

	// PPTX files carry a ready-made slide thumbnail in the package; prefer
	// it over the rasterised first page.
	if ext == ".pptx" {
		if thumb, err := pptxEmbeddedThumbnail(req.LocalPath); err == nil {
			result.ThumbnailBytes = thumb
			result.ThumbnailFormat = "jpeg"
		}
	}
	return result
}

// ConvertToPDF runs soffice headless and returns the converted file path.
// The caller removes the output.
func (p *OfficeProcessor) ConvertToPDF(ctx context.Context, srcPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	outDir := filepath.Dir(srcPath)
	cmd := exec.CommandContext(ctx, "soffice",
		"--headless", "--norestore",
		"--convert-to", "pdf",
		"--outdir", outDir,
		srcPath,
	)
	// Isolated profile dir so concurrent conversions do not fight over the
	// LibreOffice lock file.
	cmd.Env = append(os.Environ(), "HOME="+outDir)

	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: office conversion exceeded %s", domain.ErrTimeout, p.timeout)
		}
		return "", fmt.Errorf("%w: office conversion: %v: %s",
			domain.ErrProcessingFailure, err, truncate(string(out), 200))
	}

	base := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	converted := filepath.Join(outDir, base+".pdf")
	if _, err := os.Stat(converted); err != nil {
		return "", fmt.Errorf("%w: office conversion produced no output", domain.ErrProcessingFailure)
	}
	return converted, nil
}

// pptxEmbeddedThumbnail pulls docProps/thumbnail.jpeg out of the OOXML
// package without converting anything.
func pptxEmbeddedThumbnail(path string) ([]byte, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open pptx package: %v", domain.ErrCorruptInput, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if strings.EqualFold(f.Name, "docProps/thumbnail.jpeg") {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("%w: pptx has no embedded thumbnail", domain.ErrNotFound)
}
