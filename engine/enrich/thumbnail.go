package enrich

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/civilnas/indexer/engine/blob"
	"github.com/civilnas/indexer/engine/domain"
)

// Uploader writes thumbnails and preview pages to the dedicated thumbnail
// bucket. Never the ingest bucket: a derived artifact landing there would
// re-trigger the ingest notification.
type Uploader struct {
	store  *blob.Store
	bucket string
}

// NewUploader creates an Uploader targeting the store's thumbnail bucket.
func NewUploader(store *blob.Store) *Uploader {
	return &Uploader{store: store, bucket: store.ThumbnailBucket()}
}

// ThumbnailKey derives the thumbnail object key from the source key. The
// short key hash keeps same-named files in different folders from colliding.
func ThumbnailKey(sourceKey string) string {
	base := path.Base(sourceKey)
	stem := strings.TrimSuffix(base, path.Ext(base))
	sum := md5.Sum([]byte(sourceKey))
	return fmt.Sprintf("thumbnails/%s_%s_thumb.jpg", stem, hex.EncodeToString(sum[:])[:8])
}

// PreviewKey derives the object key of one preview page.
func PreviewKey(fileID string, page int) string {
	return fmt.Sprintf("previews/%s/page_%d.jpg", fileID, page)
}

// UploadThumbnail stores JPEG thumbnail bytes and returns the canonical URL
// and the object key.
func (u *Uploader) UploadThumbnail(ctx context.Context, sourceKey string, data []byte) (url, key string, err error) {
	key = ThumbnailKey(sourceKey)
	url, err = u.store.UploadBytes(ctx, u.bucket, key, data, "image/jpeg", map[string]string{
		"source-key": sourceKey,
	})
	if err != nil {
		return "", "", err
	}
	return url, key, nil
}

// UploadPreviewPage stores one rasterised page and returns its metadata.
func (u *Uploader) UploadPreviewPage(ctx context.Context, fileID string, page int, data []byte, width, height int) (domain.PreviewImage, error) {
	key := PreviewKey(fileID, page)
	if _, err := u.store.UploadBytes(ctx, u.bucket, key, data, "image/jpeg", nil); err != nil {
		return domain.PreviewImage{}, err
	}
	return domain.PreviewImage{
		Page:   page,
		S3Key:  key,
		Width:  width,
		Height: height,
		Size:   int64(len(data)),
	}, nil
}

// Bucket returns the thumbnail bucket name.
func (u *Uploader) Bucket() string { return u.bucket }
