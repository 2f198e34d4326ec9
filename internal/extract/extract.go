// Package extract holds the in-page routines run against the attached tab.
// Each routine evaluates a JavaScript function in the page and decodes the
// JSON object it returns.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Tab is a live browser tab that can evaluate JavaScript.
type Tab interface {
	ID() int
	Title() string
	URL() string
	// Eval runs js, a function expression, and returns its JSON result.
	// Promises are awaited.
	Eval(ctx context.Context, js string) (json.RawMessage, error)
}

// ErrEmptyResult is returned when a routine produced no value.
var ErrEmptyResult = errors.New("extraction returned no result")

// ErrTabNotFound is returned by tab resolvers for an id that no longer names
// a live tab.
var ErrTabNotFound = errors.New("tab not found")

// evalObject runs js on tab and decodes the resulting object. The tab's URL
// is added under "url" when the routine did not report one.
func evalObject(ctx context.Context, tab Tab, name, js string) (map[string]any, error) {
	raw, err := tab.Eval(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("%s extraction failed: %w", name, err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyResult)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s extraction returned a non-object: %w", name, err)
	}
	if _, ok := out["url"]; !ok {
		out["url"] = tab.URL()
	}
	return out, nil
}

// DataLayer captures a JSON-safe copy of window.dataLayer.
func DataLayer(ctx context.Context, tab Tab) (map[string]any, error) {
	return evalObject(ctx, tab, "dataLayer", dataLayerJS)
}

// StructuredData collects JSON-LD blocks and microdata items.
func StructuredData(ctx context.Context, tab Tab) (map[string]any, error) {
	return evalObject(ctx, tab, "structured data", structuredDataJS)
}

// PageMetadata collects title, meta description, canonical, Open Graph,
// Twitter card and hreflang data.
func PageMetadata(ctx context.Context, tab Tab) (map[string]any, error) {
	return evalObject(ctx, tab, "page metadata", pageMetadataJS)
}

// Crawlability reports robots directives, canonical and robots.txt status.
func Crawlability(ctx context.Context, tab Tab) (map[string]any, error) {
	return evalObject(ctx, tab, "crawlability", crawlabilityJS)
}
