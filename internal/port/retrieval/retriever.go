// Package retrieval defines the port to the external CGRAG engine.
package retrieval

import (
	"context"

	"github.com/dlorp/synapse-engine/internal/domain/allocation"
)

// Result is what a retrieval returns: concatenated context text plus
// per-chunk provenance.
type Result struct {
	ContextText string
	Artifacts   []allocation.Artifact
}

// Retriever fetches relevant documentation context for a query within a
// token budget. Implementations must respect ctx cancellation.
type Retriever interface {
	Retrieve(ctx context.Context, query string, tokenBudget int) (*Result, error)
}
