// Package embedtest provides a deterministic embedding provider for tests.
package embedtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
)

// DefaultDimension is the vector length of a Fake built with New(0).
const DefaultDimension = 64

// Fake is an in-memory Provider. Vectors come from the hashing provider, so
// texts sharing words score above unrelated texts. Failures and blocking can
// be injected to exercise error paths and concurrent rebuilds.
type Fake struct {
	hash *embeddings.HashProvider

	documentCalls atomic.Int64
	queryCalls    atomic.Int64
	textsEmbedded atomic.Int64

	mu        sync.Mutex
	err       error
	failAfter int
	overrides map[string][]float32
	hold      chan struct{}
	entered   chan struct{}
}

// New creates a Fake with the given dimension.
func New(dimension int) *Fake {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	h, _ := embeddings.NewHashProvider(dimension)
	return &Fake{hash: h, failAfter: -1, overrides: make(map[string][]float32)}
}

// FailWith makes every following call return err. Pass nil to recover.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.failAfter = -1
}

// FailAfter lets n more document calls succeed and fails the rest with err.
func (f *Fake) FailAfter(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.failAfter = n
}

// Set pins the vector returned for text.
func (f *Fake) Set(text string, vec []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[text] = vec
}

// Hold blocks document calls until Release. Entered receives once per
// blocked call.
func (f *Fake) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = make(chan struct{})
	f.entered = make(chan struct{}, 64)
}

// Entered signals that a document call is blocked in Hold.
func (f *Fake) Entered() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entered
}

// Release unblocks held calls.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hold != nil {
		close(f.hold)
		f.hold = nil
	}
}

// DocumentCalls returns the number of EmbedDocuments calls.
func (f *Fake) DocumentCalls() int { return int(f.documentCalls.Load()) }

// QueryCalls returns the number of EmbedQuery calls.
func (f *Fake) QueryCalls() int { return int(f.queryCalls.Load()) }

// TextsEmbedded returns the number of texts passed to EmbedDocuments.
func (f *Fake) TextsEmbedded() int { return int(f.textsEmbedded.Load()) }

func (f *Fake) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	f.documentCalls.Add(1)
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", embeddings.ErrEmptyInput)
	}

	f.mu.Lock()
	hold, entered := f.hold, f.entered
	err := f.err
	if f.failAfter > 0 {
		f.failAfter--
		err = nil
	}
	f.mu.Unlock()

	if hold != nil {
		entered <- struct{}{}
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	f.textsEmbedded.Add(int64(len(texts)))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *Fake) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.queryCalls.Add(1)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", embeddings.ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	err := f.err
	if f.failAfter >= 0 {
		err = nil
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.vector(text), nil
}

func (f *Fake) vector(text string) []float32 {
	f.mu.Lock()
	v, ok := f.overrides[text]
	f.mu.Unlock()
	if ok {
		return append([]float32(nil), v...)
	}
	return f.hash.Vector(text)
}

func (f *Fake) Dimension() int { return f.hash.Dimension() }

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Close() error { return nil }

var _ embeddings.Provider = (*Fake)(nil)
