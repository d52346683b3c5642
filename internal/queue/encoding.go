package queue

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/webstalk-dev/webstalk/internal/types"
)

// requestDoc is the JSON-serializable mirror of types.Request that
// MongoBackend stores as a document's payload field. Request itself isn't
// JSON-roundtrippable as-is (its URL field is *url.URL), so this package
// owns the wire shape rather than adding json tags to the domain type.
type requestDoc struct {
	URL         string         `json:"url"`
	Method      string         `json:"method"`
	Headers     http.Header    `json:"headers"`
	Body        []byte         `json:"body"`
	Depth       int            `json:"depth"`
	Priority    int            `json:"priority"`
	MaxRetries  int            `json:"max_retries"`
	RetryCount  int            `json:"retry_count"`
	Timeout     time.Duration  `json:"timeout"`
	Tag         string         `json:"tag"`
	FetcherType string         `json:"fetcher_type"`
	ParentURL   string         `json:"parent_url"`
	CreatedAt   time.Time      `json:"created_at"`
	UserData    map[string]any `json:"user_data"`
	ErrorMessages []string     `json:"error_messages"`
	NoRetry     bool           `json:"no_retry"`
	Payload     []byte         `json:"payload"`
}

func encodeRequest(r *types.Request) ([]byte, error) {
	doc := requestDoc{
		URL:           r.URLString(),
		Method:        r.Method,
		Headers:       r.Headers,
		Body:          r.Body,
		Depth:         r.Depth,
		Priority:      r.Priority,
		MaxRetries:    r.MaxRetries,
		RetryCount:    r.RetryCount,
		Timeout:       r.Timeout,
		Tag:           r.Tag,
		FetcherType:   r.FetcherType,
		ParentURL:     r.ParentURL,
		CreatedAt:     r.CreatedAt,
		UserData:      r.UserData,
		ErrorMessages: r.ErrorMessages,
		NoRetry:       r.NoRetry,
		Payload:       r.Payload,
	}
	return json.Marshal(doc)
}

func decodeRequest(data []byte) (*types.Request, error) {
	var doc requestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	u, err := url.Parse(doc.URL)
	if err != nil {
		return nil, err
	}
	return &types.Request{
		URL:           u,
		Method:        doc.Method,
		Headers:       doc.Headers,
		Body:          doc.Body,
		Depth:         doc.Depth,
		Priority:      doc.Priority,
		MaxRetries:    doc.MaxRetries,
		RetryCount:    doc.RetryCount,
		Timeout:       doc.Timeout,
		Tag:           doc.Tag,
		FetcherType:   doc.FetcherType,
		ParentURL:     doc.ParentURL,
		CreatedAt:     doc.CreatedAt,
		UserData:      doc.UserData,
		ErrorMessages: doc.ErrorMessages,
		NoRetry:       doc.NoRetry,
		Payload:       doc.Payload,
		Meta:          make(map[string]any),
	}, nil
}
