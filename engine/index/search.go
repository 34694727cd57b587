package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// Hit is one search result.
type Hit struct {
	ID         string              `json:"_id"`
	Score      float64             `json:"_score"`
	Source     json.RawMessage     `json:"_source"`
	Highlights map[string][]string `json:"highlight"`
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []Hit `json:"hits"`
	} `json:"hits"`
}

// Search runs a multi-match query across the ranking fields with fuzziness
// and highlighting. from+size paging only; full scans use Scroll.
func (g *Gateway) Search(ctx context.Context, query string, size, from int) ([]Hit, int, error) {
	body := map[string]any{
		"from": from,
		"size": size,
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":     query,
				"fields":    []string{"fileName^3", "content^2", "ocrText", "filePath"},
				"fuzziness": "AUTO",
			},
		},
		"highlight": map[string]any{
			"fields": map[string]any{
				"content": map[string]any{},
				"ocrText": map[string]any{},
			},
		},
	}
	return g.search(ctx, body)
}

// VectorSearch runs k-NN over the image vector field.
func (g *Gateway) VectorSearch(ctx context.Context, vector []float32, k int) ([]Hit, int, error) {
	body := map[string]any{
		"size": k,
		"query": map[string]any{
			"knn": map[string]any{
				"imageVector": map[string]any{
					"vector": vector,
					"k":      k,
				},
			},
		},
	}
	return g.search(ctx, body)
}

// HybridSearch combines text and vector scoring with explicit weights in a
// should compound.
func (g *Gateway) HybridSearch(ctx context.Context, query string, vector []float32, textWeight, vecWeight float64, size int) ([]Hit, int, error) {
	body := map[string]any{
		"size": size,
		"query": map[string]any{
			"bool": map[string]any{
				"should": []any{
					map[string]any{
						"multi_match": map[string]any{
							"query":  query,
							"fields": []string{"fileName^3", "content^2", "ocrText", "filePath"},
							"boost":  textWeight,
						},
					},
					map[string]any{
						"knn": map[string]any{
							"imageVector": map[string]any{
								"vector": vector,
								"k":      size,
								"boost":  vecWeight,
							},
						},
					},
				},
			},
		},
	}
	return g.search(ctx, body)
}

// CountByQuery returns the number of documents matching a raw query clause.
func (g *Gateway) CountByQuery(ctx context.Context, query map[string]any) (int, error) {
	raw, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return 0, fmt.Errorf("index: marshal count query: %w", err)
	}
	res, err := opensearchapi.CountRequest{
		Index: []string{g.index},
		Body:  bytes.NewReader(raw),
	}.Do(ctx, g.client)
	if err != nil {
		return 0, unavailable("count", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return 0, unavailable("count", fmt.Errorf("status %d: %s", res.StatusCode, body))
	}
	var parsed struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, unavailable("count", err)
	}
	return parsed.Count, nil
}

func (g *Gateway) search(ctx context.Context, body map[string]any) ([]Hit, int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("index: marshal query: %w", err)
	}
	res, err := opensearchapi.SearchRequest{
		Index: []string{g.index},
		Body:  bytes.NewReader(raw),
	}.Do(ctx, g.client)
	if err != nil {
		return nil, 0, unavailable("search", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return nil, 0, unavailable("search", fmt.Errorf("status %d: %s", res.StatusCode, raw))
	}
	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, 0, unavailable("search", err)
	}
	return parsed.Hits.Hits, parsed.Hits.Total.Value, nil
}
