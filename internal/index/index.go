package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("knowledged.index")

var (
	// ErrNotFound indicates no persisted index exists for a partition.
	ErrNotFound = errors.New("index not found")

	// ErrDimensionMismatch indicates a vector or artifact of the wrong length.
	ErrDimensionMismatch = errors.New("index dimension mismatch")

	// ErrInvalidVector indicates a zero or non-finite vector.
	ErrInvalidVector = errors.New("invalid vector")

	// ErrCorrupt indicates an unreadable or inconsistent artifact.
	ErrCorrupt = errors.New("index artifact corrupt")
)

const collectionName = "chunks"

// Metadata keys stored with every chromem document.
const (
	metaSeq      = "seq"
	metaDocument = "doc_id"
	metaChunk    = "chunk"
	metaStart    = "start"
	metaEnd      = "end"
)

// Entry is one indexed chunk.
type Entry struct {
	// Seq is the insertion position, assigned by New. Lower Seq wins ties.
	Seq        int
	DocumentID string
	// Chunk is the ordinal of the chunk within its document.
	Chunk  int
	Start  int
	End    int
	Text   string
	Vector []float32
}

// Hit is a search result.
type Hit struct {
	Seq        int
	DocumentID string
	Chunk      int
	Start      int
	End        int
	Text       string
	Score      float32
}

// Manifest describes a built index.
type Manifest struct {
	Partition  string    `json:"partition"`
	BuildID    string    `json:"build_id"`
	Provider   string    `json:"provider"`
	Dimension  int       `json:"dimension"`
	Documents  int       `json:"documents"`
	Chunks     int       `json:"chunks"`
	BuiltAt    time.Time `json:"built_at"`
	Compressed bool      `json:"compressed"`
}

// Index is an immutable searchable set of chunk vectors for one partition.
type Index struct {
	manifest Manifest
	db       *chromem.DB
	coll     *chromem.Collection
}

// refuseEmbedding keeps chromem from falling back to its default remote
// embedder; every vector is supplied by the caller.
func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("index: vectors must be precomputed")
}

// New builds an index over entries. Seq is reassigned from entry order.
// BuildID and BuiltAt are filled in when empty; Chunks is set from entries.
func New(ctx context.Context, m Manifest, entries []Entry) (*Index, error) {
	if m.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrDimensionMismatch, m.Dimension)
	}
	if m.BuildID == "" {
		m.BuildID = uuid.NewString()
	}
	if m.BuiltAt.IsZero() {
		m.BuiltAt = time.Now().UTC()
	}
	m.Chunks = len(entries)

	db := chromem.NewDB()
	coll, err := db.CreateCollection(collectionName, nil, refuseEmbedding)
	if err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}

	if len(entries) > 0 {
		docs := make([]chromem.Document, len(entries))
		for i, e := range entries {
			if len(e.Vector) != m.Dimension {
				return nil, fmt.Errorf("%w: entry %d has %d, want %d", ErrDimensionMismatch, i, len(e.Vector), m.Dimension)
			}
			if !validVector(e.Vector) {
				return nil, fmt.Errorf("%w: entry %d of %s", ErrInvalidVector, i, e.DocumentID)
			}
			docs[i] = chromem.Document{
				ID:        docID(i),
				Content:   e.Text,
				Embedding: append([]float32(nil), e.Vector...),
				Metadata: map[string]string{
					metaSeq:      strconv.Itoa(i),
					metaDocument: e.DocumentID,
					metaChunk:    strconv.Itoa(e.Chunk),
					metaStart:    strconv.Itoa(e.Start),
					metaEnd:      strconv.Itoa(e.End),
				},
			}
		}
		if err := coll.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return nil, fmt.Errorf("adding chunks: %w", err)
		}
	}

	return &Index{manifest: m, db: db, coll: coll}, nil
}

func docID(seq int) string { return fmt.Sprintf("c%08d", seq) }

func validVector(v []float32) bool {
	var norm float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
		norm += f * f
	}
	return norm > 0
}

// Manifest returns a copy of the index description.
func (idx *Index) Manifest() Manifest { return idx.manifest }

func (idx *Index) Partition() string { return idx.manifest.Partition }

func (idx *Index) BuildID() string { return idx.manifest.BuildID }

func (idx *Index) Dimension() int { return idx.manifest.Dimension }

// Len returns the number of indexed chunks.
func (idx *Index) Len() int { return idx.coll.Count() }

// Search returns at most k hits ordered by descending cosine similarity,
// ties broken by ascending Seq. An empty index or k <= 0 yields no hits.
func (idx *Index) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "Index.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("partition", idx.manifest.Partition),
		attribute.Int("k", k),
	)

	if len(query) != idx.manifest.Dimension {
		err := fmt.Errorf("%w: query has %d, index %s has %d", ErrDimensionMismatch, len(query), idx.manifest.Partition, idx.manifest.Dimension)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !validVector(query) {
		span.SetStatus(codes.Error, ErrInvalidVector.Error())
		return nil, fmt.Errorf("%w: query", ErrInvalidVector)
	}

	n := idx.coll.Count()
	if n == 0 || k <= 0 {
		return []Hit{}, nil
	}

	// chromem orders by score only and with no stable tie-break, so ask for
	// everything and order here.
	results, err := idx.coll.QueryEmbedding(ctx, append([]float32(nil), query...), n, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s: %w", idx.manifest.Partition, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		h, err := hitFromResult(r)
		if err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Seq < hits[j].Seq
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

func hitFromResult(r chromem.Result) (Hit, error) {
	ints := make(map[string]int, 4)
	for _, key := range []string{metaSeq, metaChunk, metaStart, metaEnd} {
		v, err := strconv.Atoi(r.Metadata[key])
		if err != nil {
			return Hit{}, fmt.Errorf("%w: chunk %s has bad %s %q", ErrCorrupt, r.ID, key, r.Metadata[key])
		}
		ints[key] = v
	}
	return Hit{
		Seq:        ints[metaSeq],
		DocumentID: r.Metadata[metaDocument],
		Chunk:      ints[metaChunk],
		Start:      ints[metaStart],
		End:        ints[metaEnd],
		Text:       r.Content,
		Score:      r.Similarity,
	}, nil
}
