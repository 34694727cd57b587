package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/civilnas/indexer/engine/domain"
)

type fakeLambda struct {
	payload       []byte
	functionError string
	err           error
	requests      []embedRequest
}

func (f *fakeLambda) Invoke(_ context.Context, in *lambda.InvokeInput, _ ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	var req embedRequest
	json.Unmarshal(in.Payload, &req)
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	out := &lambda.InvokeOutput{Payload: f.payload}
	if f.functionError != "" {
		out.FunctionError = aws.String(f.functionError)
	}
	return out, nil
}

func embedPayload(t *testing.T, dim int) []byte {
	t.Helper()
	vec := make([]float32, dim)
	raw, err := json.Marshal(embedResponse{Embedding: vec, Dimension: dim})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestEmbed(t *testing.T) {
	fl := &fakeLambda{payload: embedPayload(t, 4)}
	e := newEmbedder(fl, "clip-embed", 4, nil)

	vec, err := e.Embed(context.Background(), "s3://b/photos/site.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 4 {
		t.Errorf("vector length = %d", len(vec))
	}
	if len(fl.requests) != 1 || fl.requests[0].ImageURL != "s3://b/photos/site.jpg" {
		t.Errorf("requests = %+v", fl.requests)
	}
	if !fl.requests[0].UseCache {
		t.Error("cache flag must be set")
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	fl := &fakeLambda{payload: embedPayload(t, 3)}
	e := newEmbedder(fl, "clip-embed", 4, nil)

	if _, err := e.Embed(context.Background(), "s3://b/a.jpg"); !errors.Is(err, domain.ErrProcessingFailure) {
		t.Errorf("err = %v, want ErrProcessingFailure", err)
	}
}

func TestEmbedFunctionError(t *testing.T) {
	fl := &fakeLambda{payload: []byte(`{"errorMessage":"oom"}`), functionError: "Unhandled"}
	e := newEmbedder(fl, "clip-embed", 4, nil)

	if _, err := e.Embed(context.Background(), "s3://b/a.jpg"); !errors.Is(err, domain.ErrProcessingFailure) {
		t.Errorf("err = %v, want ErrProcessingFailure", err)
	}
}

func TestEmbedInvokeError(t *testing.T) {
	fl := &fakeLambda{err: errors.New("dial tcp: connection refused")}
	e := newEmbedder(fl, "clip-embed", 4, nil)

	if _, err := e.Embed(context.Background(), "s3://b/a.jpg"); !errors.Is(err, domain.ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", err)
	}
}

func TestThumbnailKey(t *testing.T) {
	a := ThumbnailKey("documents/road/ts-server5/repair/photo.jpg")
	b := ThumbnailKey("documents/structure/ts-server6/survey/photo.jpg")
	if a == b {
		t.Error("same-named files in different folders must not collide")
	}
	if !strings.HasPrefix(a, "thumbnails/photo_") || !strings.HasSuffix(a, "_thumb.jpg") {
		t.Errorf("key = %q", a)
	}
	if a != ThumbnailKey("documents/road/ts-server5/repair/photo.jpg") {
		t.Error("key must be deterministic")
	}
}

func TestPreviewKey(t *testing.T) {
	if got := PreviewKey("abc123", 4); got != "previews/abc123/page_4.jpg" {
		t.Errorf("PreviewKey = %q", got)
	}
}
