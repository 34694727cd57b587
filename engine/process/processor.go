// Package process routes files to format-specific processors and normalises
// their output into one result record.
package process

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/civilnas/indexer/engine/domain"
)

// Request identifies the file being processed. Identity fields come from the
// original object key; LocalPath is only ever the temp copy.
type Request struct {
	LocalPath string
	Bucket    string
	Key       string
	FileName  string
	FileSize  int64
}

// Result is the uniform output of every processor.
type Result struct {
	Success      bool
	Err          error // carries the error kind on failure
	ErrorMessage string

	FileName string
	FileSize int64
	FileType string
	MimeType string

	ExtractedText string
	PageCount     int
	WordCount     int
	CharCount     int

	ThumbnailBytes  []byte
	ThumbnailFormat string

	Metadata map[string]string

	ProcessorName         string
	ProcessorVersion      string
	ProcessingTimeSeconds float64

	OCRConfidence float64
	OCRLanguage   string
}

// failed builds an error result.
func failed(err error) Result {
	return Result{Success: false, Err: err, ErrorMessage: err.Error()}
}

// withCounts fills word and char counts from the extracted text.
func (r Result) withCounts() Result {
	r.WordCount = len(strings.Fields(r.ExtractedText))
	r.CharCount = utf8.RuneCountInString(r.ExtractedText)
	return r
}

// Processor extracts text and a thumbnail from one family of formats.
type Processor interface {
	Name() string
	Version() string
	// CanProcess reports whether the processor handles the file, by extension.
	CanProcess(path string) bool
	// MaxBytes is the per-type size cap; larger inputs fail with a
	// resource-exhaustion result before the processor runs. Zero means
	// no cap.
	MaxBytes() int64
	Process(ctx context.Context, req Request) Result
}

// Registry maps lowercase extensions to processors.
type Registry struct {
	byExt map[string]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]Processor)}
}

// Register routes the given extensions to p. Extensions carry the leading dot.
func (r *Registry) Register(p Processor, exts ...string) {
	for _, ext := range exts {
		r.byExt[strings.ToLower(ext)] = p
	}
}

// Lookup returns the processor for a file name, or false when the format is
// not supported. Unsupported is the caller's decision: the default policy
// deletes the message without indexing.
func (r *Registry) Lookup(fileName string) (Processor, bool) {
	p, ok := r.byExt[domain.Extension(fileName)]
	return p, ok
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []string {
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	return out
}

// Process runs the processor for req, enforcing the size cap and the
// zero-byte check, and stamping provenance and timing onto the result.
func (r *Registry) Process(ctx context.Context, req Request) Result {
	p, ok := r.Lookup(req.FileName)
	if !ok {
		return failed(fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, domain.Extension(req.FileName)))
	}

	info, err := os.Stat(req.LocalPath)
	if err != nil {
		return stamp(p, time.Now(), failed(fmt.Errorf("%w: stat local file: %v", domain.ErrNotFound, err)))
	}
	req.FileSize = info.Size()

	start := time.Now()
	if info.Size() == 0 {
		return stamp(p, start, failed(fmt.Errorf("%w: zero-byte file %s", domain.ErrCorruptInput, req.FileName)))
	}
	if limit := p.MaxBytes(); limit > 0 && info.Size() > limit {
		return stamp(p, start, failed(fmt.Errorf("%w: %d bytes over %d cap for %s",
			domain.ErrResourceExhaustion, info.Size(), limit, p.Name())))
	}

	result := p.Process(ctx, req)
	result.FileName = req.FileName
	result.FileSize = info.Size()
	if result.MimeType == "" {
		result.MimeType = MimeType(req.FileName)
	}
	return stamp(p, start, result.withCounts())
}

func stamp(p Processor, start time.Time, r Result) Result {
	r.ProcessorName = p.Name()
	r.ProcessorVersion = p.Version()
	r.ProcessingTimeSeconds = time.Since(start).Seconds()
	return r
}
