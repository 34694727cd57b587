package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/civilnas/indexer/engine/domain"
)

type fakeS3 struct {
	objects map[string][]byte
	puts    []string
	deletes []string
	headErr error
}

func (f *fakeS3) key(bucket, key string) string { return bucket + "/" + key }

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[f.key(aws.ToString(in.Bucket), aws.ToString(in.Key))]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts = append(f.puts, f.key(aws.ToString(in.Bucket), aws.ToString(in.Key)))
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	data, ok := f.objects[f.key(aws.ToString(in.Bucket), aws.ToString(in.Key))]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var out s3.ListObjectsV2Output
	prefix := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Prefix)
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			key := strings.TrimPrefix(k, aws.ToString(in.Bucket)+"/")
			out.Contents = append(out.Contents, s3types.Object{
				Key:  aws.String(key),
				Size: aws.Int64(int64(len(f.objects[k]))),
			})
		}
	}
	out.IsTruncated = aws.Bool(false)
	return &out, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deletes = append(f.deletes, f.key(aws.ToString(in.Bucket), aws.ToString(in.Key)))
	return &s3.DeleteObjectOutput{}, nil
}

func newTestStore(t *testing.T, client s3API) *Store {
	t.Helper()
	temp, err := NewTempRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &Store{
		client:          client,
		temp:            temp,
		ingestBucket:    "ingest",
		thumbnailBucket: "thumbs",
		log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key string
		ok  bool
	}{
		{"docs/a.pdf", true},
		{"documents/road/ts-server5/a/報告書.pdf", true},
		{"", false},
		{"/etc/passwd", false},
		{"docs/../../../etc/passwd", false},
		{"..", false},
	}
	for _, tt := range tests {
		err := validateKey(tt.key)
		if tt.ok && err != nil {
			t.Errorf("validateKey(%q) = %v", tt.key, err)
		}
		if !tt.ok && !errors.Is(err, domain.ErrValidation) {
			t.Errorf("validateKey(%q) = %v, want ErrValidation", tt.key, err)
		}
	}
}

func TestDownloadSmallObject(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{"ingest/docs/a.pdf": []byte("pdf contents")}}
	s := newTestStore(t, client)

	local, err := s.Download(context.Background(), "ingest", "docs/a.pdf")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "pdf contents" {
		t.Errorf("downloaded %q", data)
	}
	if filepath.Ext(local) != ".pdf" {
		t.Errorf("temp file should carry the extension: %s", local)
	}
	s.CleanupTempFile(local)
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Error("cleanup left the temp file behind")
	}
}

func TestDownloadMissingObject(t *testing.T) {
	s := newTestStore(t, &fakeS3{objects: map[string][]byte{}})
	_, err := s.Download(context.Background(), "ingest", "docs/missing.pdf")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUploadBytes(t *testing.T) {
	client := &fakeS3{}
	s := newTestStore(t, client)

	url, err := s.UploadBytes(context.Background(), "thumbs", "thumbnails/a.jpg", []byte{1}, "image/jpeg", nil)
	if err != nil {
		t.Fatal(err)
	}
	if url != "s3://thumbs/thumbnails/a.jpg" {
		t.Errorf("url = %q", url)
	}
	if len(client.puts) != 1 || client.puts[0] != "thumbs/thumbnails/a.jpg" {
		t.Errorf("puts = %v", client.puts)
	}
}

func TestExists(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{"ingest/a.pdf": []byte("x")}}
	s := newTestStore(t, client)

	if ok, err := s.Exists(context.Background(), "ingest", "a.pdf"); err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
	if ok, err := s.Exists(context.Background(), "ingest", "b.pdf"); err != nil || ok {
		t.Errorf("Exists = %v, %v for missing object", ok, err)
	}
}

func TestDeleteSourceObjectBucketGuard(t *testing.T) {
	client := &fakeS3{}
	s := newTestStore(t, client)

	if err := s.DeleteSourceObject(context.Background(), "ingest", "docs/a.pdf"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSourceObject(context.Background(), "thumbs", "thumbnails/a.jpg"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("delete outside the ingest bucket must refuse: %v", err)
	}
	if len(client.deletes) != 1 {
		t.Errorf("deletes = %v", client.deletes)
	}
}

func TestWrapS3ErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no such key", &s3types.NoSuchKey{}, domain.ErrNotFound},
		{"403", errors.New("operation error S3: GetObject, https response error StatusCode: 403"), domain.ErrPermission},
		{"slow down", errors.New("api error SlowDown"), domain.ErrThrottled},
		{"deadline", context.DeadlineExceeded, domain.ErrTimeout},
		{"other", errors.New("connection reset"), domain.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapS3Error("get", "b", "k", tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("wrapped = %v, want kind %v", got, tt.want)
			}
		})
	}
}

func TestTempRegistry(t *testing.T) {
	reg, err := NewTempRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	a, err := reg.Create(".pdf")
	if err != nil {
		t.Fatal(err)
	}
	b, err := reg.Create(".pdf")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("temp paths must be unique")
	}

	reg.Remove(a)
	reg.Remove(a) // idempotent
	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Error("removed file still present")
	}

	reg.RemoveAll()
	if _, err := os.Stat(b); !os.IsNotExist(err) {
		t.Error("RemoveAll left a file behind")
	}
}

func TestSanitizeExt(t *testing.T) {
	tests := []struct{ in, want string }{
		{".pdf", ".pdf"},
		{".jpg", ".jpg"},
		{"", ""},
		{"pdf", ""},
		{".PDF", ""},
		{"./../x", ""},
		{".verylongext", ""},
	}
	for _, tt := range tests {
		if got := sanitizeExt(tt.in); got != tt.want {
			t.Errorf("sanitizeExt(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
