// Package jsonapi is a config-driven collector for JSON HTTP APIs. It issues
// one request per configured item, extracts records from a dotted path, maps
// them to columns and upserts them as one batch.
package jsonapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/j-veylop/provider-ingest/internal/config"
	"github.com/j-veylop/provider-ingest/internal/logger"
	"github.com/j-veylop/provider-ingest/internal/models"
	"github.com/j-veylop/provider-ingest/internal/services/collector"
	"github.com/j-veylop/provider-ingest/internal/services/transport"
)

// itemSource maps the current item into a column when used as a field source.
const itemSource = "$item"

// Collector fetches and stores records for one CollectorPlan.
type Collector struct {
	*collector.Base
	providers map[string]config.ProviderPlan
	plan      config.CollectorPlan
}

// New builds a collector for c. Providers and the budget come from plan.
func New(plan *config.Plan, c config.CollectorPlan, deps collector.Deps) (*Collector, error) {
	providers := make(map[string]config.ProviderPlan, len(c.Fallbacks)+1)
	for _, name := range append([]string{c.Provider}, c.Fallbacks...) {
		p, ok := plan.Provider(name)
		if !ok {
			return nil, fmt.Errorf("collector %s: unknown provider %q", c.Name, name)
		}
		providers[name] = p
	}

	col := &Collector{
		Base:      collector.NewBase(c.Name, deps),
		providers: providers,
		plan:      c,
	}
	col.SetBudget(plan.BudgetFor(c))

	count := func(body []byte) int {
		records, err := extractRecords(body, c.RecordsPath)
		if err != nil {
			return 0
		}
		return len(records)
	}
	col.SetCountRule(c.Provider, count)
	for _, fb := range c.Fallbacks {
		col.AddFallback(fb, col.rewriteFor(fb))
		col.SetCountRule(fb, count)
	}
	return col, nil
}

// Collect runs one pass over the configured items.
func (c *Collector) Collect(ctx context.Context) error {
	var cursor string
	if c.plan.CursorParam != "" {
		cursor = c.Cursor(ctx)
	}

	items := c.plan.Items
	if len(items) == 0 {
		items = []string{""}
	}

	var (
		rows      []models.Row
		maxCursor = cursor
		failures  = len(c.Result().Errors)
		missed    int
	)
	for _, item := range items {
		if ctx.Err() != nil {
			missed++
			break
		}

		req := c.request(c.plan.Provider, item, cursor)
		resp := c.SafeCall(ctx, c.plan.Provider, req)
		if resp == nil {
			missed++
			continue
		}

		records, err := extractRecords(resp.Body, c.plan.RecordsPath)
		if err != nil {
			c.AddError(fmt.Sprintf("%s: %v", req.URL, err))
			missed++
			continue
		}
		for _, rec := range records {
			row := c.mapRow(rec, item)
			if c.plan.CursorField != "" {
				if v, ok := row[c.plan.CursorField]; ok && v != nil {
					maxCursor = laterCursor(maxCursor, cursorString(v))
				}
			}
			rows = append(rows, row)
		}
	}

	if len(rows) == 0 {
		return nil
	}
	n := c.Persist(ctx, c.plan.Table, rows, c.plan.ConflictKeys)
	logger.Debug("collector persisted rows", "collector", c.Name(), "table", c.plan.Table, "rows", n)

	// The cursor is shared by every item, so it only moves when each item
	// was fetched and the batch was stored.
	clean := missed == 0 && len(c.Result().Errors) == failures
	if clean && c.plan.CursorField != "" && maxCursor != cursor {
		if err := c.SaveCursor(ctx, maxCursor); err != nil {
			logger.Warn("failed to save cursor", "collector", c.Name(), "error", err)
		}
	}
	return nil
}

// request builds the call for item against provider.
func (c *Collector) request(provider, item, cursor string) *transport.Request {
	p := c.providers[provider]
	endpoint := strings.ReplaceAll(c.plan.Endpoint, "{item}", url.PathEscape(item))

	params := url.Values{}
	for k, v := range c.plan.Params {
		params.Set(k, v)
	}
	if item != "" && c.plan.ItemParam != "" {
		params.Set(c.plan.ItemParam, item)
	}
	if cursor != "" && c.plan.CursorParam != "" {
		params.Set(c.plan.CursorParam, cursor)
	}

	headers := make(map[string]string, len(p.Headers))
	for k, v := range p.Headers {
		headers[k] = v
	}

	return &transport.Request{
		Provider: provider,
		URL:      strings.TrimRight(p.BaseURL, "/") + endpoint,
		Method:   c.plan.Method,
		Headers:  headers,
		Params:   params,
	}
}

// rewriteFor moves a primary request onto fallback's base URL and headers.
func (c *Collector) rewriteFor(fallback string) collector.RewriteFunc {
	return func(req *transport.Request) *transport.Request {
		primary := strings.TrimRight(c.providers[c.plan.Provider].BaseURL, "/")
		fb := c.providers[fallback]
		req.URL = strings.TrimRight(fb.BaseURL, "/") + strings.TrimPrefix(req.URL, primary)
		req.Headers = make(map[string]string, len(fb.Headers))
		for k, v := range fb.Headers {
			req.Headers[k] = v
		}
		return req
	}
}

// mapRow projects one record. Without field mappings the record's own keys
// are used as columns.
func (c *Collector) mapRow(rec map[string]any, item string) models.Row {
	row := make(models.Row, len(c.plan.Fields)+len(c.plan.Static))
	if len(c.plan.Fields) == 0 {
		for k, v := range rec {
			row[k] = v
		}
	}
	for column, source := range c.plan.Fields {
		if source == itemSource {
			row[column] = item
			continue
		}
		if v, ok := lookup(rec, source); ok {
			row[column] = v
		}
	}
	for column, v := range c.plan.Static {
		row[column] = v
	}
	return row
}

// extractRecords decodes body and returns the objects found at path. A
// single object counts as one record.
func extractRecords(body []byte, path string) ([]map[string]any, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}

	node, ok := lookup(doc, path)
	if !ok {
		return nil, fmt.Errorf("records path %q not found", path)
	}

	switch v := node.(type) {
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, elem := range v {
			if m, ok := elem.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out, nil
	case map[string]any:
		return []map[string]any{v}, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("records path %q holds %T, want object or array", path, node)
	}
}

// lookup walks a dotted path through nested objects. Numeric segments index
// into arrays. An empty path returns v itself.
func lookup(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func cursorString(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// laterCursor returns the larger cursor, numerically when both parse.
func laterCursor(a, b string) string {
	if a == "" {
		return b
	}
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		if fb > fa {
			return b
		}
		return a
	}
	if b > a {
		return b
	}
	return a
}
