// Package domain holds the indexed document model, the queue payload shapes,
// path-derived metadata rules, and the error kinds that drive retry policy.
package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"
)

// Category of a document, derived from its storage path and corrected by the
// authoritative server mapping.
const (
	CategoryRoad      = "road"
	CategoryStructure = "structure"
)

// CategoryDisplay returns the Japanese label for a category.
func CategoryDisplay(category string) string {
	switch category {
	case CategoryRoad:
		return "道路"
	case CategoryStructure:
		return "構造物"
	default:
		return ""
	}
}

// PreviewImage describes one rasterised page stored in the thumbnail bucket.
type PreviewImage struct {
	Page   int    `json:"page"`
	S3Key  string `json:"s3Key"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Size   int64  `json:"size"`
}

// Document is the single record indexed per source file. The document id is
// the URL-decoded object key; FileID is a hash kept for external correlation.
type Document struct {
	FileID        string `json:"fileId"`
	FileName      string `json:"fileName"`
	FilePath      string `json:"filePath"`
	FileKey       string `json:"fileKey"`
	Bucket        string `json:"bucket"`
	FileExtension string `json:"fileExtension"`
	MimeType      string `json:"mimeType,omitempty"`
	FileSize      int64  `json:"fileSize"`

	CreatedAt   string `json:"createdAt,omitempty"`
	ModifiedAt  string `json:"modifiedAt,omitempty"`
	IndexedAt   string `json:"indexedAt"`
	ProcessedAt string `json:"processedAt,omitempty"`

	ExtractedText string `json:"extractedText,omitempty"`
	Content       string `json:"content,omitempty"`
	PageCount     int    `json:"pageCount,omitempty"`
	WordCount     int    `json:"wordCount,omitempty"`
	CharCount     int    `json:"charCount,omitempty"`

	Category        string `json:"category,omitempty"`
	CategoryDisplay string `json:"categoryDisplay,omitempty"`
	NASServer       string `json:"nasServer,omitempty"`
	RootFolder      string `json:"rootFolder,omitempty"`
	NASPath         string `json:"nasPath,omitempty"`

	ThumbnailURL       string         `json:"thumbnailUrl,omitempty"`
	ThumbnailS3Key     string         `json:"thumbnailS3Key,omitempty"`
	PreviewImages      []PreviewImage `json:"previewImages,omitempty"`
	TotalPages         int            `json:"totalPages,omitempty"`
	PreviewGeneratedAt string         `json:"previewGeneratedAt,omitempty"`

	ImageVector     []float32 `json:"imageVector,omitempty"`
	VectorDimension int       `json:"vectorDimension,omitempty"`
	VectorModel     string    `json:"vectorModel,omitempty"`
	VectorUpdatedAt string    `json:"vectorUpdatedAt,omitempty"`

	OCRText       string  `json:"ocrText,omitempty"`
	OCRConfidence float64 `json:"ocrConfidence,omitempty"`
	OCRLanguage   string  `json:"ocrLanguage,omitempty"`

	ProcessingStatus      string  `json:"processingStatus"`
	ErrorMessage          string  `json:"errorMessage,omitempty"`
	Success               bool    `json:"success"`
	ProcessorName         string  `json:"processorName,omitempty"`
	ProcessorVersion      string  `json:"processorVersion,omitempty"`
	ProcessingTimeSeconds float64 `json:"processingTimeSeconds,omitempty"`
}

// Processing statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// FileID returns the deterministic hash of "{bucket}/{key}" used for
// correlation and preview key prefixes.
func FileID(bucket, key string) string {
	sum := md5.Sum([]byte(bucket + "/" + key))
	return hex.EncodeToString(sum[:])
}

// Extension returns the lowercase extension of name including the leading dot.
func Extension(name string) string {
	return strings.ToLower(path.Ext(name))
}

// ObjectURL builds the canonical s3://bucket/key form.
func ObjectURL(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// NewDocument builds the identity skeleton for a source object. All identity
// fields come from the decoded object key, never from any temp path.
func NewDocument(bucket, key string, now time.Time) Document {
	name := path.Base(key)
	return Document{
		FileID:           FileID(bucket, key),
		FileName:         name,
		FilePath:         ObjectURL(bucket, key),
		FileKey:          key,
		Bucket:           bucket,
		FileExtension:    Extension(name),
		IndexedAt:        now.UTC().Format(time.RFC3339),
		ProcessedAt:      now.UTC().Format(time.RFC3339),
		ProcessingStatus: StatusProcessing,
	}
}

// ApplyPathMetadata derives and overlays the NAS fields onto the document,
// then applies the authoritative server-to-category correction.
func (d *Document) ApplyPathMetadata(originalPath string) {
	meta := DerivePathMetadata(d.FileKey, originalPath)
	d.Category = meta.Category
	d.CategoryDisplay = meta.CategoryDisplay
	d.NASServer = meta.NASServer
	d.RootFolder = meta.RootFolder
	d.NASPath = meta.NASPath
}

// Validate checks the invariants a document must satisfy before indexing.
func (d *Document) Validate() error {
	if d.FileKey == "" {
		return NewProcessingError("validate", d.FileKey, fmt.Errorf("%w: empty file key", ErrValidation))
	}
	if strings.Contains(d.FileKey, "..") {
		return NewProcessingError("validate", d.FileKey, fmt.Errorf("%w: traversal in key", ErrValidation))
	}
	if want := Extension(d.FileName); d.FileExtension != want {
		return NewProcessingError("validate", d.FileKey,
			fmt.Errorf("%w: extension %q does not match file name", ErrValidation, d.FileExtension))
	}
	if len(d.PreviewImages) > 0 && d.TotalPages != len(d.PreviewImages) {
		return NewProcessingError("validate", d.FileKey,
			fmt.Errorf("%w: totalPages=%d previews=%d", ErrValidation, d.TotalPages, len(d.PreviewImages)))
	}
	if len(d.ImageVector) > 0 && len(d.ImageVector) != d.VectorDimension {
		return NewProcessingError("validate", d.FileKey,
			fmt.Errorf("%w: vector length %d != dimension %d", ErrValidation, len(d.ImageVector), d.VectorDimension))
	}
	return nil
}
