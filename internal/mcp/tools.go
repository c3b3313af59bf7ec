package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/indexer"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/query"
)

type searchInput struct {
	Query string `json:"query" jsonschema:"Natural language question or keywords to search the knowledge base for"`
	K     int    `json:"k,omitempty" jsonschema:"Maximum number of passages to return (default 4)"`
}

type passage struct {
	Text      string  `json:"text" jsonschema:"Passage text"`
	Source    string  `json:"source" jsonschema:"Document the passage came from"`
	Partition string  `json:"partition" jsonschema:"Department partition holding the document"`
	Citation  string  `json:"citation" jsonschema:"partition/document#chunk reference"`
	Score     float32 `json:"score" jsonschema:"Cosine similarity to the query"`
}

type searchOutput struct {
	Passages   []passage         `json:"passages" jsonschema:"Passages ordered by descending score"`
	Partitions []string          `json:"partitions" jsonschema:"Partitions searched"`
	Skipped    []string          `json:"skipped,omitempty" jsonschema:"Partitions without an index"`
	Incomplete bool              `json:"incomplete" jsonschema:"True when some partition could not be searched"`
	Failed     map[string]string `json:"failed,omitempty" jsonschema:"Per-partition search errors"`
}

type partitionsInput struct{}

type partitionInfo struct {
	Name      string `json:"name" jsonschema:"Partition name"`
	State     string `json:"state" jsonschema:"absent, building or active"`
	Documents int    `json:"documents" jsonschema:"Documents in the active index"`
	Chunks    int    `json:"chunks" jsonschema:"Passages in the active index"`
}

type partitionsOutput struct {
	User       string          `json:"user" jsonschema:"Identity the server acts as"`
	Partitions []partitionInfo `json:"partitions" jsonschema:"Partitions this user may search, in search order"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "knowledge_search",
		Description: "Search the company knowledge base. Only partitions the configured user may read are searched. Returns passages with citations.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args searchInput) (*mcp.CallToolResult, searchOutput, error) {
		var out searchOutput
		err := s.instrument(ctx, "knowledge_search", func(ctx context.Context) error {
			var err error
			out, err = s.search(ctx, args)
			return err
		})
		if err != nil {
			return nil, searchOutput{}, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: formatPassages(out)}},
		}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "knowledge_partitions",
		Description: "List the knowledge base partitions the configured user may search and whether each has an index.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args partitionsInput) (*mcp.CallToolResult, partitionsOutput, error) {
		var out partitionsOutput
		_ = s.instrument(ctx, "knowledge_partitions", func(ctx context.Context) error {
			out = s.partitions(ctx)
			return nil
		})
		names := make([]string, len(out.Partitions))
		for i, p := range out.Partitions {
			names[i] = fmt.Sprintf("%s (%s)", p.Name, p.State)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "Partitions: " + strings.Join(names, ", ")}},
		}, out, nil
	})
}

func (s *Server) instrument(ctx context.Context, tool string, fn func(context.Context) error) error {
	ctx = logging.WithUser(ctx, s.cfg.User)
	start := time.Now()
	s.metrics.IncrementActive(ctx, tool)
	err := fn(ctx)
	s.metrics.DecrementActive(ctx, tool)
	s.metrics.RecordInvocation(ctx, tool, time.Since(start), err)
	if err != nil {
		s.logger.Warn(ctx, "tool call failed", zap.String("tool", tool), zap.Error(err))
	}
	return err
}

func (s *Server) search(ctx context.Context, args searchInput) (searchOutput, error) {
	k := args.K
	if k == 0 {
		k = s.cfg.DefaultK
	}
	res, err := s.engine.Retrieve(ctx, s.cfg.User, args.Query, k)
	if err != nil {
		return searchOutput{}, err
	}

	out := searchOutput{
		Passages:   make([]passage, len(res.Passages)),
		Partitions: res.Partitions,
		Skipped:    res.Skipped,
		Incomplete: res.Incomplete,
		Failed:     res.Failed,
	}
	for i, p := range res.Passages {
		out.Passages[i] = passage{
			Text:      p.Text,
			Source:    p.DocumentID,
			Partition: p.Partition,
			Citation:  citation(p),
			Score:     p.Score,
		}
	}
	return out, nil
}

func (s *Server) partitions(ctx context.Context) partitionsOutput {
	grant := s.resolver.AllowedPartitions(ctx, s.cfg.User)
	out := partitionsOutput{User: s.cfg.User, Partitions: make([]partitionInfo, 0, len(grant.Partitions))}
	for _, name := range grant.Partitions {
		st := s.builder.Status(name)
		if !st.Registered && st.State == indexer.StateAbsent {
			continue
		}
		out.Partitions = append(out.Partitions, partitionInfo{
			Name:      name,
			State:     string(st.State),
			Documents: st.Documents,
			Chunks:    st.Chunks,
		})
	}
	return out
}

func citation(p query.Passage) string {
	return fmt.Sprintf("%s/%s#%d", p.Partition, p.DocumentID, p.Chunk)
}

func formatPassages(out searchOutput) string {
	if len(out.Passages) == 0 {
		return "No relevant passages found."
	}
	var b strings.Builder
	for i, p := range out.Passages {
		fmt.Fprintf(&b, "[%d] %s (score %.3f)\n%s\n\n", i+1, p.Citation, p.Score, p.Text)
	}
	if out.Incomplete {
		b.WriteString("Note: some partitions could not be searched; results may be incomplete.\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
