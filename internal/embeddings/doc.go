// Package embeddings maps passages and queries to fixed-dimension vectors.
//
// Every backend implements Provider. NewProvider wraps the configured backend
// in Resilient, which adds batching, rate limiting, per-attempt timeouts,
// retry with exponential backoff for transient failures and dimension
// validation. Failures surface as ErrEmbeddingFailed.
//
// Backends:
//   - hash: deterministic feature hashing, no network (default)
//   - tei: HuggingFace Text Embeddings Inference over HTTP
//   - openai: OpenAI compatible embeddings API
//   - fastembed: local ONNX models (cgo builds only)
package embeddings
