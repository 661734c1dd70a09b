package memoryhook

import (
	"context"
	"fmt"
	"sync"

	"github.com/inkwell-ai/inkwell/internal/embeddings"
)

// entry is one cached (text, vector) pair kept in process memory.
type entry struct {
	text   string
	vector []float32
}

// Embedded is a cosine-similarity vector memory backed by an
// in-process cache, the embeddings-backed implementation the Open
// Question calls for. Entries are added via Remember as the
// conversation progresses (the Chat Engine remembers each completed
// assistant turn) and retrieved by semantic similarity to the current
// query.
type Embedded struct {
	client *embeddings.Client

	mu      sync.RWMutex
	entries []entry
}

// NewEmbedded returns an Embedded memory hook backed by client.
func NewEmbedded(client *embeddings.Client) *Embedded {
	return &Embedded{client: client}
}

// Remember embeds text and adds it to the in-process cache.
func (e *Embedded) Remember(ctx context.Context, text string) error {
	vec, err := e.client.Generate(ctx, text)
	if err != nil {
		return fmt.Errorf("embed memory text: %w", err)
	}
	e.mu.Lock()
	e.entries = append(e.entries, entry{text: text, vector: vec})
	e.mu.Unlock()
	return nil
}

// Retrieve embeds query and returns the k most similar remembered
// fragments by cosine similarity, highest first.
func (e *Embedded) Retrieve(ctx context.Context, query string, k int) ([]Memory, error) {
	if k <= 0 {
		return nil, nil
	}
	queryVec, err := e.client.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.entries) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(e.entries))
	for i, ent := range e.entries {
		vectors[i] = ent.vector
	}
	top := embeddings.TopK(queryVec, vectors, k)

	out := make([]Memory, 0, len(top))
	for _, idx := range top {
		out = append(out, Memory{
			Text:  e.entries[idx].text,
			Score: embeddings.CosineSimilarity(queryVec, e.entries[idx].vector),
		})
	}
	return out, nil
}
