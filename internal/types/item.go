package types

import (
	"encoding/json"
	"time"
)

// Item is one extracted data record: a bag of named fields plus provenance
// (which page it came from, when, and at what crawl depth).
type Item struct {
	Fields map[string]any

	// URL is the source page the item was extracted from.
	URL string

	// Timestamp is when the item was created.
	Timestamp time.Time

	// Depth is the crawl depth at which this item was found.
	Depth int
}

// NewItem creates an empty Item sourced from sourceURL.
func NewItem(sourceURL string) *Item {
	return &Item{
		Fields:    make(map[string]any),
		URL:       sourceURL,
		Timestamp: time.Now(),
	}
}

// Set stores a field value, replacing any previous one.
func (i *Item) Set(key string, value any) { i.Fields[key] = value }

// Get retrieves a field value.
func (i *Item) Get(key string) (any, bool) {
	v, ok := i.Fields[key]
	return v, ok
}

// GetString retrieves a field value if it is a string, "" otherwise.
func (i *Item) GetString(key string) string {
	if s, ok := i.Fields[key].(string); ok {
		return s
	}
	return ""
}

// Has reports whether the field exists.
func (i *Item) Has(key string) bool {
	_, ok := i.Fields[key]
	return ok
}

// Delete removes a field.
func (i *Item) Delete(key string) { delete(i.Fields, key) }

// Keys returns all field names, in map order.
func (i *Item) Keys() []string {
	keys := make([]string, 0, len(i.Fields))
	for k := range i.Fields {
		keys = append(keys, k)
	}
	return keys
}

// ToFlatMap renders every field as a string, for row-oriented exports like
// CSV. Non-string values are JSON-encoded.
func (i *Item) ToFlatMap() map[string]string {
	flat := make(map[string]string, len(i.Fields)+2)
	flat["_url"] = i.URL
	flat["_timestamp"] = i.Timestamp.Format(time.RFC3339)

	for k, v := range i.Fields {
		switch val := v.(type) {
		case string:
			flat[k] = val
		case []byte:
			flat[k] = string(val)
		default:
			b, _ := json.Marshal(val)
			flat[k] = string(b)
		}
	}
	return flat
}
