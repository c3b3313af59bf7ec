package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashProvider embeds text by hashing lowercased word tokens into a fixed
// number of buckets and L2-normalizing the counts. Vectors depend only on
// the text, so identical inputs always produce identical vectors, and texts
// sharing words have positive cosine similarity.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a hashing provider with the given dimension.
func NewHashProvider(dimension int) (*HashProvider, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dimension)
	}
	return &HashProvider{dimension: dimension}, nil
}

// EmbedDocuments embeds each text.
func (h *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.Vector(t)
	}
	return out, nil
}

// EmbedQuery embeds a single query.
func (h *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.Vector(text), nil
}

// Vector computes the embedding of text without context checks.
func (h *HashProvider) Vector(text string) []float32 {
	vec := make([]float32, h.dimension)

	tokens := Tokenize(text)
	if len(tokens) == 0 {
		// Punctuation-only text still needs a non-zero vector.
		tokens = []string{strings.TrimSpace(text)}
	}

	for _, tok := range tokens {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		vec[f.Sum64()%uint64(h.dimension)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// Tokenize splits text into lowercased runs of letters and digits.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func (h *HashProvider) Dimension() int { return h.dimension }

func (h *HashProvider) Name() string { return fmt.Sprintf("hash:%d", h.dimension) }

func (h *HashProvider) Close() error { return nil }
