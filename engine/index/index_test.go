package index

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/civilnas/indexer/engine/domain"
)

// fakeTransport serves canned responses and records requests.
type fakeTransport struct {
	status   int
	body     string
	requests []*http.Request
	bodies   []string
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.requests = append(f.requests, req)
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(raw))
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(f.body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}, nil
}

func newTestGateway(t *testing.T, ft *fakeTransport) *Gateway {
	t.Helper()
	g, err := New("http://opensearch.test:9200", "files-index", ft, nil)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestDocumentID(t *testing.T) {
	doc := domain.NewDocument("b", "docs/報告書.pdf", time.Now())
	if got := DocumentID(doc); got != "docs/報告書.pdf" {
		t.Errorf("id = %q, want the decoded key", got)
	}

	legacy := domain.Document{FilePath: "s3://b/docs/a.pdf"}
	id := DocumentID(legacy)
	if len(id) != 32 {
		t.Errorf("legacy fallback id = %q, want md5 hex", id)
	}
	if DocumentID(legacy) != id {
		t.Error("fallback id must be deterministic")
	}
}

func TestIndexBody(t *testing.T) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(IndexBody(VectorDimension)), &parsed); err != nil {
		t.Fatalf("index body is not valid JSON: %v", err)
	}
	body := IndexBody(1024)
	if !strings.Contains(body, `"dimension": 1024`) {
		t.Error("dimension not applied")
	}
	if !strings.Contains(body, `"knn": true`) || !strings.Contains(body, "kuromoji_tokenizer") {
		t.Error("settings missing knn or Japanese analysis")
	}
	if !strings.Contains(body, `"fileKey":       {"type": "keyword"}`) {
		t.Error("fileKey must be a keyword field")
	}
}

func TestIndexDocument(t *testing.T) {
	ft := &fakeTransport{body: `{"result":"created"}`}
	g := newTestGateway(t, ft)

	doc := domain.NewDocument("b", "docs/a.pdf", time.Now())
	if err := g.IndexDocument(context.Background(), doc, ""); err != nil {
		t.Fatal(err)
	}
	if len(ft.requests) != 1 {
		t.Fatalf("requests = %d", len(ft.requests))
	}
	path := ft.requests[0].URL.Path
	if !strings.HasPrefix(path, "/files-index/_doc/") || !strings.Contains(path, "docs") {
		t.Errorf("path = %q", path)
	}
	var sent domain.Document
	if err := json.Unmarshal([]byte(ft.bodies[0]), &sent); err != nil {
		t.Fatal(err)
	}
	if sent.FileKey != "docs/a.pdf" || sent.IndexedAt == "" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestIndexDocumentRejectsInvalid(t *testing.T) {
	ft := &fakeTransport{}
	g := newTestGateway(t, ft)

	doc := domain.NewDocument("b", "docs/../a.pdf", time.Now())
	err := g.IndexDocument(context.Background(), doc, "x")
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if len(ft.requests) != 0 {
		t.Error("invalid document must not reach the cluster")
	}
}

func TestIndexDocumentClusterError(t *testing.T) {
	ft := &fakeTransport{status: http.StatusServiceUnavailable, body: `{"error":"cluster_block_exception"}`}
	g := newTestGateway(t, ft)

	doc := domain.NewDocument("b", "docs/a.pdf", time.Now())
	err := g.IndexDocument(context.Background(), doc, "")
	if !errors.Is(err, domain.ErrIndexUnavailable) {
		t.Errorf("err = %v, want ErrIndexUnavailable", err)
	}
}

func TestUpdateDocumentNotFound(t *testing.T) {
	ft := &fakeTransport{status: http.StatusNotFound, body: `{}`}
	g := newTestGateway(t, ft)

	err := g.UpdateDocument(context.Background(), "missing", map[string]any{"category": "road"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDocumentAdvancesIndexedAt(t *testing.T) {
	ft := &fakeTransport{body: `{"result":"updated"}`}
	g := newTestGateway(t, ft)

	if err := g.UpdateDocument(context.Background(), "docs/a.pdf", map[string]any{"category": "road"}); err != nil {
		t.Fatal(err)
	}
	var sent struct {
		Doc map[string]any `json:"doc"`
	}
	if err := json.Unmarshal([]byte(ft.bodies[0]), &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Doc["category"] != "road" || sent.Doc["indexedAt"] == nil {
		t.Errorf("partial = %v", sent.Doc)
	}
}

func TestSearchParsesHits(t *testing.T) {
	ft := &fakeTransport{body: `{
		"hits": {
			"total": {"value": 2},
			"hits": [
				{"_id": "docs/a.pdf", "_score": 1.5, "_source": {"fileName": "a.pdf"}},
				{"_id": "docs/b.pdf", "_score": 0.9, "_source": {"fileName": "b.pdf"}}
			]
		}
	}`}
	g := newTestGateway(t, ft)

	hits, total, err := g.Search(context.Background(), "橋梁", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(hits) != 2 || hits[0].ID != "docs/a.pdf" {
		t.Errorf("hits = %+v, total = %d", hits, total)
	}
	if !strings.Contains(ft.bodies[0], "multi_match") || !strings.Contains(ft.bodies[0], "fileName^3") {
		t.Errorf("query body = %s", ft.bodies[0])
	}
}

func TestVectorSearchBody(t *testing.T) {
	ft := &fakeTransport{body: `{"hits":{"total":{"value":0},"hits":[]}}`}
	g := newTestGateway(t, ft)

	if _, _, err := g.VectorSearch(context.Background(), []float32{0.1, 0.2}, 5); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ft.bodies[0], `"knn"`) || !strings.Contains(ft.bodies[0], `"imageVector"`) {
		t.Errorf("query body = %s", ft.bodies[0])
	}
}

func TestCountByQuery(t *testing.T) {
	ft := &fakeTransport{body: `{"count":42}`}
	g := newTestGateway(t, ft)

	n, err := g.CountByQuery(context.Background(), map[string]any{"match_all": map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 42 {
		t.Errorf("count = %d", n)
	}
}
