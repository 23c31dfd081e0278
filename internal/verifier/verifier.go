// Package verifier defines the contract with the external face-verification
// model and the best-match reduction over its per-candidate outcomes.
package verifier

import "context"

// DefaultModel is the face-recognition model the external collaborator is
// asked to use. It is a fixed constant, not runtime configuration.
const DefaultModel = "VGG-Face"

// Outcome is the model's answer for a single (query, candidate) pair.
// Distance is the library-defined dissimilarity score; lower means more
// similar.
type Outcome struct {
	Verified bool
	Distance float64
}

// Client is the single integration point with the external model. Verify
// compares the images at the two paths using the named model.
type Client interface {
	Verify(ctx context.Context, queryPath, candidatePath, model string) (*Outcome, error)
}
