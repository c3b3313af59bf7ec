package http

import (
	"github.com/fyrsmithlabs/knowledged/internal/docstore"
	"github.com/fyrsmithlabs/knowledged/internal/indexer"
	"github.com/fyrsmithlabs/knowledged/internal/query"
)

// HeaderUserID carries the caller identity established by the upstream
// authentication layer.
const HeaderUserID = "X-User-ID"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version,omitempty"`
	Provider   string `json:"provider"`
	Partitions int    `json:"partitions"`
	Active     int    `json:"active"`
}

// QueryRequest is the request body for POST /api/v1/query.
type QueryRequest struct {
	Query string `json:"query"`
	// K defaults to the configured default when omitted.
	K          *int     `json:"k,omitempty"`
	Partitions []string `json:"partitions,omitempty"`
}

// QueryResponse is the response body for POST /api/v1/query.
type QueryResponse struct {
	*query.Result
	K int `json:"k"`
}

// PartitionsResponse is the response body for GET /api/v1/partitions.
type PartitionsResponse struct {
	Partitions []indexer.Status `json:"partitions"`
}

// RescanResponse is the response body for POST /api/v1/partitions/rescan.
type RescanResponse struct {
	docstore.RescanResult
	Partitions []string `json:"partitions"`
}

// RebuildResponse is the response body for a single-partition rebuild.
type RebuildResponse struct {
	Status indexer.Status `json:"status"`
}

// RebuildAllResponse is the response body for POST /api/v1/rebuild.
type RebuildAllResponse struct {
	Built  []string          `json:"built"`
	Failed map[string]string `json:"failed,omitempty"`
}
