// Package backend streams completions from a text generation service.
package backend

import (
	"context"
	"iter"
)

// Generator produces a lazy stream of text fragments for a prompt.
// Iteration stops when the stream ends, an error is yielded, or the
// consumer breaks out early.
type Generator interface {
	Generate(ctx context.Context, prompt string, overrides map[string]any) iter.Seq2[string, error]
}
