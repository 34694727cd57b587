package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskPreviewRegeneration is the only task type carried on the preview queue.
const TaskPreviewRegeneration = "preview_regeneration"

// File types routed to the preview worker.
const (
	FileTypeOffice    = "office"
	FileTypeDocuWorks = "docuworks"
	FileTypePDF       = "pdf"
)

// WorkItemMetadata records where a work item came from.
type WorkItemMetadata struct {
	Source  string `json:"source"`
	BatchID string `json:"batchId"`
	Reason  string `json:"reason"`
}

// WorkItem is the preview-queue payload.
type WorkItem struct {
	TaskType      string           `json:"taskType"`
	FileType      string           `json:"fileType"`
	FileID        string           `json:"fileId"`
	DocID         string           `json:"docId"`
	FileName      string           `json:"fileName"`
	FilePath      string           `json:"filePath"`
	FileExtension string           `json:"fileExtension"`
	S3Key         string           `json:"s3Key"`
	EnqueuedAt    string           `json:"enqueuedAt"`
	Priority      int              `json:"priority"`
	RetryCount    int              `json:"retryCount"`
	Metadata      WorkItemMetadata `json:"metadata"`
}

// FileTypeForExtension maps a lowercase extension to a preview file type.
// Returns "" when the extension has no preview pipeline.
func FileTypeForExtension(ext string) string {
	switch ext {
	case ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx":
		return FileTypeOffice
	case ".xdw", ".xbd":
		return FileTypeDocuWorks
	case ".pdf":
		return FileTypePDF
	default:
		return ""
	}
}

// NewPreviewWorkItem builds a work item for a document that needs its pages
// regenerated. batchID groups items emitted by a single enqueuer run.
func NewPreviewWorkItem(doc Document, batchID, reason string, now time.Time) (WorkItem, error) {
	ft := FileTypeForExtension(doc.FileExtension)
	if ft == "" {
		return WorkItem{}, fmt.Errorf("%w: no preview pipeline for %q", ErrUnsupportedFormat, doc.FileExtension)
	}
	fileID := doc.FileID
	if fileID == "" {
		fileID = FileID(doc.Bucket, doc.FileKey)
	}
	return WorkItem{
		TaskType:      TaskPreviewRegeneration,
		FileType:      ft,
		FileID:        fileID,
		DocID:         doc.FileKey,
		FileName:      doc.FileName,
		FilePath:      doc.FilePath,
		FileExtension: doc.FileExtension,
		S3Key:         doc.FileKey,
		EnqueuedAt:    now.UTC().Format(time.RFC3339),
		Priority:      5,
		RetryCount:    0,
		Metadata:      WorkItemMetadata{Source: "backfill", BatchID: batchID, Reason: reason},
	}, nil
}

// NewBatchID returns a deterministic id for an enqueuer run started at t.
func NewBatchID(t time.Time) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(t.UTC().Format(time.RFC3339))).String()
}

// ParseWorkItem decodes and validates a preview-queue payload.
func ParseWorkItem(body []byte) (WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(body, &item); err != nil {
		return WorkItem{}, fmt.Errorf("%w: parse work item: %v", ErrValidation, err)
	}
	if item.TaskType != TaskPreviewRegeneration {
		return WorkItem{}, fmt.Errorf("%w: task type %q", ErrValidation, item.TaskType)
	}
	if item.S3Key == "" {
		return WorkItem{}, fmt.Errorf("%w: work item has no s3Key", ErrValidation)
	}
	return item, nil
}
