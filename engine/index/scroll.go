package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// defaultKeepAlive is the scroll context lifetime between pages.
const defaultKeepAlive = 5 * time.Minute

// Scroll walks every hit matching query, page by page, calling visit for
// each. All full scans (backfill, reindex) come through here; from+size
// paging stops at the 10k window and is never used for scans.
func (g *Gateway) Scroll(ctx context.Context, query map[string]any, pageSize int, keepAlive time.Duration, visit func(Hit) error) error {
	if pageSize <= 0 {
		pageSize = 500
	}
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	body := map[string]any{
		"size":  pageSize,
		"query": query,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("index: marshal scroll query: %w", err)
	}

	res, err := opensearchapi.SearchRequest{
		Index:  []string{g.index},
		Body:   bytes.NewReader(raw),
		Scroll: keepAlive,
	}.Do(ctx, g.client)
	if err != nil {
		return unavailable("scroll open", err)
	}
	page, err := decodeScrollPage(res)
	if err != nil {
		return err
	}
	scrollID := page.ScrollID
	defer g.ClearScroll(context.WithoutCancel(ctx), scrollID)

	for len(page.Hits.Hits) > 0 {
		for _, h := range page.Hits.Hits {
			if err := visit(h); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := opensearchapi.ScrollRequest{
			ScrollID: scrollID,
			Scroll:   keepAlive,
		}.Do(ctx, g.client)
		if err != nil {
			return unavailable("scroll next", err)
		}
		page, err = decodeScrollPage(res)
		if err != nil {
			return err
		}
		if page.ScrollID != "" {
			scrollID = page.ScrollID
		}
	}
	return nil
}

// ClearScroll releases a scroll context. Best effort.
func (g *Gateway) ClearScroll(ctx context.Context, scrollID string) {
	if scrollID == "" {
		return
	}
	res, err := opensearchapi.ClearScrollRequest{
		Body: strings.NewReader(fmt.Sprintf(`{"scroll_id":[%q]}`, scrollID)),
	}.Do(ctx, g.client)
	if err != nil {
		g.log.Debug("clear scroll failed", "error", err)
		return
	}
	res.Body.Close()
}

func decodeScrollPage(res *opensearchapi.Response) (searchResponse, error) {
	defer res.Body.Close()
	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return searchResponse{}, unavailable("scroll", fmt.Errorf("status %d: %s", res.StatusCode, raw))
	}
	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return searchResponse{}, unavailable("scroll", err)
	}
	return parsed, nil
}
