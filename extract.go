package pluginsandbox

import "context"

// ExtractResult is the output of one extraction.
type ExtractResult struct {
	Text string `json:"text"`
}

// Extractor turns raw content into extracted text.
type Extractor interface {
	Extract(ctx context.Context, content string) (ExtractResult, error)
}
