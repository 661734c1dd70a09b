// Package memoryhook implements the optional Tier-3 vector memory hook
// the Prompt Assembler's Open Question calls for: a typed retrieval
// capability with a null implementation (tier disabled) and an
// embeddings-backed implementation. Grounded on the teacher's
// internal/episodic.Provider context-provider interface shape,
// adapted to internal/embeddings.Client's cosine-similarity search.
package memoryhook

import "context"

// Memory is one retrieved long-term memory fragment.
type Memory struct {
	Text  string
	Score float32
}

// Provider is the Tier-3 context provider interface. Implementations
// must be safe for concurrent use by multiple conversations.
type Provider interface {
	Retrieve(ctx context.Context, query string, k int) ([]Memory, error)
	Remember(ctx context.Context, text string) error
}

// Null is the zero-configuration Provider: tier 3 is disabled, Retrieve
// always returns no memories, and Remember is a no-op. This is the
// default when no vector store is configured, satisfying the Open
// Question's framing of vector memory as an optional hook rather than
// a required tier.
type Null struct{}

// Retrieve always returns an empty result.
func (Null) Retrieve(context.Context, string, int) ([]Memory, error) { return nil, nil }

// Remember discards text; tier 3 is disabled.
func (Null) Remember(context.Context, string) error { return nil }
