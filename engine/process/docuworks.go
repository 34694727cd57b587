package process

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/civilnas/indexer/engine/blob"
	"github.com/civilnas/indexer/engine/domain"
	"github.com/civilnas/indexer/engine/queue"
)

// ConvertedKeyPrefix is where the Windows-side converter drops PDFs.
const ConvertedKeyPrefix = "docuworks-converted/"

const (
	conversionPollInterval = 10 * time.Second
	conversionWaitTimeout  = 10 * time.Minute
)

// conversionPublisher is the slice of the conversion-queue broker used here.
type conversionPublisher interface {
	Requeue(ctx context.Context, body string, attrs map[string]string) error
}

// convertedStore is the slice of the blob store used to fetch converted PDFs.
type convertedStore interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Download(ctx context.Context, bucket, key string) (string, error)
	CleanupTempFile(path string)
}

// conversionRequest is the payload sent to the Windows converter fleet.
type conversionRequest struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	OutputKey   string `json:"outputKey"`
	RequestedAt string `json:"requestedAt"`
}

// DocuWorksProcessor handles .xdw/.xbd by round-tripping through the external
// conversion queue: publish a request, poll for the converted PDF, then run
// the PDF pipeline on it. Without a conversion queue the file is indexed with
// metadata only.
type DocuWorksProcessor struct {
	publisher conversionPublisher
	store     convertedStore
	pdf       *PDFProcessor

	pollInterval time.Duration
	waitTimeout  time.Duration
}

// NewDocuWorksProcessor creates the DocuWorks processor. conv may be nil when
// no conversion queue is configured.
func NewDocuWorksProcessor(conv *queue.Broker, store *blob.Store) *DocuWorksProcessor {
	p := &DocuWorksProcessor{
		pdf:          NewPDFProcessor(),
		pollInterval: conversionPollInterval,
		waitTimeout:  conversionWaitTimeout,
	}
	if conv != nil {
		p.publisher = conv
	}
	if store != nil {
		p.store = store
	}
	return p
}

func (p *DocuWorksProcessor) Name() string    { return "docuworks" }
func (p *DocuWorksProcessor) Version() string { return "2.1.0" }
func (p *DocuWorksProcessor) MaxBytes() int64 { return 200 * 1024 * 1024 }

func (p *DocuWorksProcessor) CanProcess(path string) bool {
	ext := domain.Extension(path)
	for _, e := range DocuWorksExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// ConvertedKey maps a source key to the converter's output key.
func ConvertedKey(key string) string {
	ext := domain.Extension(key)
	return ConvertedKeyPrefix + strings.TrimSuffix(key, ext) + ".pdf"
}

func (p *DocuWorksProcessor) Process(ctx context.Context, req Request) Result {
	if p.publisher == nil || p.store == nil {
		return p.metadataOnly(req)
	}

	outputKey := ConvertedKey(req.Key)

	// A converted PDF may already exist from an earlier pass.
	ready, err := p.store.Exists(ctx, req.Bucket, outputKey)
	if err != nil {
		return failed(err)
	}
	if !ready {
		if err := p.publish(ctx, req, outputKey); err != nil {
			return failed(err)
		}
		if err := p.waitForConversion(ctx, req.Bucket, outputKey); err != nil {
			return failed(err)
		}
	}

	pdfPath, err := p.store.Download(ctx, req.Bucket, outputKey)
	if err != nil {
		return failed(err)
	}
	defer p.store.CleanupTempFile(pdfPath)

	inner := req
	inner.LocalPath = pdfPath
	inner.FileName = strings.TrimSuffix(req.FileName, domain.Extension(req.FileName)) + ".pdf"
	result := p.pdf.Process(ctx, inner)
	if !result.Success {
		return result
	}

	result.FileType = "docuworks"
	result.MimeType = MimeType(req.FileName)
	if result.Metadata == nil {
		result.Metadata = map[string]string{}
	}
	result.Metadata["convertedKey"] = outputKey
	return result
}

func (p *DocuWorksProcessor) publish(ctx context.Context, req Request, outputKey string) error {
	body, err := json.Marshal(conversionRequest{
		Bucket:      req.Bucket,
		Key:         req.Key,
		OutputKey:   outputKey,
		RequestedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal conversion request: %w", err)
	}
	if err := p.publisher.Requeue(ctx, string(body), map[string]string{
		queue.AttrTaskType: "docuworks_conversion",
	}); err != nil {
		return fmt.Errorf("%w: publish conversion request: %v", domain.ErrNetwork, err)
	}
	return nil
}

// waitForConversion polls for the converter's output until it appears or the
// wait budget runs out.
func (p *DocuWorksProcessor) waitForConversion(ctx context.Context, bucket, outputKey string) error {
	deadline := time.Now().Add(p.waitTimeout)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		ready, err := p.store.Exists(ctx, bucket, outputKey)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: conversion of %s not ready after %s",
				domain.ErrTimeout, outputKey, p.waitTimeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: conversion wait cancelled", domain.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// metadataOnly indexes identity metadata when no converter is available.
func (p *DocuWorksProcessor) metadataOnly(req Request) Result {
	return Result{
		Success:  true,
		FileType: "docuworks",
		MimeType: MimeType(req.FileName),
		Metadata: map[string]string{"conversionAvailable": "false"},
	}
}
