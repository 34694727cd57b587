// Package index owns the OpenSearch contract: mapping, identity, writes,
// queries, and scroll-based full scans.
package index

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/civilnas/indexer/engine/domain"
	"github.com/civilnas/indexer/pkg/resilience"
)

// writeTimeout bounds a single index write.
const writeTimeout = 30 * time.Second

// Gateway is the shared search-cluster client. Safe for concurrent use; the
// underlying transport pools connections.
type Gateway struct {
	client  *opensearch.Client
	index   string
	breaker *resilience.Breaker
	log     *slog.Logger
}

// New connects a Gateway to the cluster at endpoint. transport may be nil
// outside tests.
func New(endpoint, indexName string, transport http.RoundTripper, log *slog.Logger) (*Gateway, error) {
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{endpoint},
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("index: connect %s: %w", endpoint, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		client:  client,
		index:   indexName,
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		log:     log,
	}, nil
}

// IndexName returns the configured index.
func (g *Gateway) IndexName() string { return g.index }

// Ping verifies the cluster responds.
func (g *Gateway) Ping(ctx context.Context) error {
	res, err := opensearchapi.PingRequest{}.Do(ctx, g.client)
	if err != nil {
		return unavailable("ping", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return unavailable("ping", fmt.Errorf("status %d", res.StatusCode))
	}
	return nil
}

// EnsureIndex creates the index with the fixed mapping if absent. Idempotent.
func (g *Gateway) EnsureIndex(ctx context.Context) error {
	res, err := opensearchapi.IndicesExistsRequest{Index: []string{g.index}}.Do(ctx, g.client)
	if err != nil {
		return unavailable("indices exists", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	create, err := opensearchapi.IndicesCreateRequest{
		Index: g.index,
		Body:  strings.NewReader(IndexBody(VectorDimension)),
	}.Do(ctx, g.client)
	if err != nil {
		return unavailable("create index", err)
	}
	defer create.Body.Close()
	if create.IsError() {
		body, _ := io.ReadAll(create.Body)
		// A concurrent worker may have created it first.
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return unavailable("create index", fmt.Errorf("status %d: %s", create.StatusCode, body))
	}
	g.log.Info("index created", "index", g.index)
	return nil
}

// DocumentID returns the id for a document: the URL-decoded object key.
// When the key is empty (legacy callers), fall back to a hash of filePath.
func DocumentID(doc domain.Document) string {
	if doc.FileKey != "" {
		return doc.FileKey
	}
	sum := md5.Sum([]byte(doc.FilePath))
	return hex.EncodeToString(sum[:])
}

// IndexDocument writes a full document. Success on created or updated.
// Writes go through the breaker; a tripped breaker reports the cluster as
// unavailable without issuing the call.
func (g *Gateway) IndexDocument(ctx context.Context, doc domain.Document, id string) error {
	if id == "" {
		id = DocumentID(doc)
	}
	doc.IndexedAt = time.Now().UTC().Format(time.RFC3339)
	if err := doc.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("index: marshal document: %w", err)
	}

	return g.breaker.Call(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		res, err := opensearchapi.IndexRequest{
			Index:      g.index,
			DocumentID: id,
			Body:       bytes.NewReader(body),
		}.Do(ctx, g.client)
		if err != nil {
			return unavailable("index document", err)
		}
		defer res.Body.Close()
		if res.IsError() {
			raw, _ := io.ReadAll(res.Body)
			return unavailable("index document", fmt.Errorf("status %d: %s", res.StatusCode, raw))
		}
		return nil
	})
}

// BulkResult reports per-item outcomes of a bulk write.
type BulkResult struct {
	Indexed int
	Failed  []BulkFailure
}

// BulkFailure is one rejected bulk item.
type BulkFailure struct {
	ID     string
	Status int
	Reason string
}

// BulkIndex writes documents in one bulk request with refresh disabled.
// Call Refresh once after a large run.
func (g *Gateway) BulkIndex(ctx context.Context, docs []domain.Document) (BulkResult, error) {
	if len(docs) == 0 {
		return BulkResult{}, nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	var buf bytes.Buffer
	for i := range docs {
		docs[i].IndexedAt = now
		meta := map[string]map[string]string{"index": {"_index": g.index, "_id": DocumentID(docs[i])}}
		if err := json.NewEncoder(&buf).Encode(meta); err != nil {
			return BulkResult{}, fmt.Errorf("index: bulk meta: %w", err)
		}
		if err := json.NewEncoder(&buf).Encode(docs[i]); err != nil {
			return BulkResult{}, fmt.Errorf("index: bulk doc: %w", err)
		}
	}

	var result BulkResult
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		res, err := opensearchapi.BulkRequest{
			Index:   g.index,
			Body:    bytes.NewReader(buf.Bytes()),
			Refresh: "false",
		}.Do(ctx, g.client)
		if err != nil {
			return unavailable("bulk", err)
		}
		defer res.Body.Close()

		var parsed struct {
			Errors bool `json:"errors"`
			Items  []map[string]struct {
				ID     string `json:"_id"`
				Status int    `json:"status"`
				Error  *struct {
					Reason string `json:"reason"`
				} `json:"error"`
			} `json:"items"`
		}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return unavailable("bulk", err)
		}
		for _, item := range parsed.Items {
			for _, v := range item {
				if v.Status >= 300 {
					f := BulkFailure{ID: v.ID, Status: v.Status}
					if v.Error != nil {
						f.Reason = v.Error.Reason
					}
					result.Failed = append(result.Failed, f)
				} else {
					result.Indexed++
				}
			}
		}
		return nil
	})
	return result, err
}

// UpdateDocument applies a partial document to an existing id. Enrichment
// and backfill patches use this; indexedAt advances on every write.
func (g *Gateway) UpdateDocument(ctx context.Context, id string, partial map[string]any) error {
	partial["indexedAt"] = time.Now().UTC().Format(time.RFC3339)
	body, err := json.Marshal(map[string]any{"doc": partial})
	if err != nil {
		return fmt.Errorf("index: marshal partial: %w", err)
	}
	return g.breaker.Call(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		res, err := opensearchapi.UpdateRequest{
			Index:      g.index,
			DocumentID: id,
			Body:       bytes.NewReader(body),
		}.Do(ctx, g.client)
		if err != nil {
			return unavailable("update document", err)
		}
		defer res.Body.Close()
		if res.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: document %q", domain.ErrNotFound, id)
		}
		if res.IsError() {
			raw, _ := io.ReadAll(res.Body)
			return unavailable("update document", fmt.Errorf("status %d: %s", res.StatusCode, raw))
		}
		return nil
	})
}

// Refresh makes recent writes visible to search. Used once at the end of a
// bulk run or backfill pass.
func (g *Gateway) Refresh(ctx context.Context) error {
	res, err := opensearchapi.IndicesRefreshRequest{Index: []string{g.index}}.Do(ctx, g.client)
	if err != nil {
		return unavailable("refresh", err)
	}
	res.Body.Close()
	return nil
}

// unavailable wraps a transport or cluster error as ErrIndexUnavailable so
// the runtime routes the failure for high-priority replay.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: OpenSearch %s: %v", domain.ErrIndexUnavailable, op, err)
}
