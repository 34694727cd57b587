package process

import (
	"context"

	"github.com/civilnas/indexer/engine/domain"
)

// MetadataProcessor handles formats with no extractable text: archives,
// media, executables. The document is indexed with identity metadata so it
// still shows up in name and path searches.
type MetadataProcessor struct{}

// NewMetadataProcessor creates the metadata-only processor.
func NewMetadataProcessor() *MetadataProcessor { return &MetadataProcessor{} }

func (MetadataProcessor) Name() string    { return "metadata" }
func (MetadataProcessor) Version() string { return "2.1.0" }
func (MetadataProcessor) MaxBytes() int64 { return 0 }

func (MetadataProcessor) CanProcess(path string) bool {
	ext := domain.Extension(path)
	for _, e := range MetadataOnlyExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (MetadataProcessor) Process(_ context.Context, req Request) Result {
	return Result{
		Success:  true,
		FileType: "metadata",
		MimeType: MimeType(req.FileName),
	}
}
