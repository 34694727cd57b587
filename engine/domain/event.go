package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// SourceEvent is the normalised form of a queue payload announcing a file.
// Downstream code only ever sees this; the two wire shapes (object-store
// notification and scanner payload) are folded here.
type SourceEvent struct {
	Bucket       string
	Key          string // URL-decoded
	OriginalPath string // scanner-reported share path, may be empty
}

// rawEvent is the union of both wire shapes.
type rawEvent struct {
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	S3Key        string `json:"s3Key"`
	OriginalPath string `json:"originalPath"`
}

// ParseSourceEvent decodes a queue message body into a SourceEvent.
// defaultBucket fills in scanner payloads that omit the bucket. The object
// key arrives URL-encoded on the notification path and is decoded here once.
func ParseSourceEvent(body []byte, defaultBucket string) (SourceEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return SourceEvent{}, fmt.Errorf("%w: parse event: %v", ErrValidation, err)
	}

	key := raw.Key
	if key == "" {
		key = raw.S3Key
	}
	if key == "" {
		return SourceEvent{}, fmt.Errorf("%w: event has no object key", ErrValidation)
	}

	decoded, err := url.QueryUnescape(key)
	if err != nil {
		// A literal '%' in a plain key is not an error; keep it as-is.
		decoded = key
	}

	bucket := raw.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	if bucket == "" {
		return SourceEvent{}, fmt.Errorf("%w: event has no bucket", ErrValidation)
	}

	return SourceEvent{Bucket: bucket, Key: decoded, OriginalPath: raw.OriginalPath}, nil
}

// IsDerivedArtifactKey reports whether a key points at a generated thumbnail
// or preview. Such events are dropped to keep the pipeline from feeding on
// its own output.
func IsDerivedArtifactKey(key string) bool {
	return strings.HasPrefix(key, "thumbnails/") ||
		strings.Contains(key, "/thumbnails/") ||
		strings.HasPrefix(key, "previews/") ||
		strings.Contains(key, "/previews/")
}
