package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/knowledged/internal/access"
	"github.com/fyrsmithlabs/knowledged/internal/indexer"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/query"
)

// Server exposes the query engine as MCP tools.
type Server struct {
	mcp      *mcp.Server
	engine   *query.Engine
	builder  *indexer.Builder
	resolver *access.Resolver
	metrics  *Metrics
	logger   *logging.Logger
	cfg      Config
}

// Config configures the MCP server.
type Config struct {
	// Name is the implementation name reported to clients.
	Name    string
	Version string

	// User is the identity every tool call acts as.
	User string

	// DefaultK applies when knowledge_search omits k.
	DefaultK int

	Logger *logging.Logger
}

// NewServer creates a Server and registers its tools.
func NewServer(cfg Config, engine *query.Engine, builder *indexer.Builder, resolver *access.Resolver) (*Server, error) {
	if engine == nil || builder == nil || resolver == nil {
		return nil, errors.New("engine, builder and resolver are required")
	}
	if cfg.Name == "" {
		cfg.Name = "knowledged"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.DefaultK < 1 {
		cfg.DefaultK = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("mcp")

	s := &Server{
		mcp:      mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		engine:   engine,
		builder:  builder,
		resolver: resolver,
		metrics:  NewMetrics(logger.Underlying()),
		logger:   logger,
		cfg:      cfg,
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP on stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(logging.WithUser(ctx, s.cfg.User), "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves MCP on an arbitrary transport.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}
