// Package mcp exposes the processed campaign archive to external agents
// over the Model Context Protocol. The server is read-only: every tool
// inspects stores or the knowledge base, none mutate anything, so it is
// safe to hand to an untrusted MCP client.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lorekeep/lorekeep/internal/artifact"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/pkg/knowledge"
	"github.com/lorekeep/lorekeep/pkg/provider/embeddings"
)

const serverName = "lorekeep"

// Config carries the stores the tools read from. Campaigns, Sessions and
// Artifacts are required. KB and Embedder are optional: without a KB the
// knowledge_search tool reports itself unconfigured, and without an
// embedder it falls back to full-text search.
type Config struct {
	Campaigns *store.CampaignStore
	Sessions  *store.SessionStore
	Artifacts *artifact.Service
	KB        knowledge.Base
	Embedder  embeddings.Provider
	Version   string
}

// Server wraps an MCP server with the lorekeep tool set registered.
type Server struct {
	srv *mcp.Server
}

// New builds the server and registers every tool.
func New(cfg Config) (*Server, error) {
	if cfg.Campaigns == nil || cfg.Sessions == nil || cfg.Artifacts == nil {
		return nil, fmt.Errorf("mcp: campaigns, sessions and artifacts stores are required")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: cfg.Version,
	}, &mcp.ServerOptions{})

	mcp.AddTool(srv, CampaignListTool(), CampaignListHandler(cfg.Campaigns, cfg.Sessions))
	mcp.AddTool(srv, SessionListTool(), SessionListHandler(cfg.Campaigns, cfg.Sessions))
	mcp.AddTool(srv, SessionSummaryTool(), SessionSummaryHandler(cfg.Sessions))
	mcp.AddTool(srv, KnowledgeSearchTool(), KnowledgeSearchHandler(cfg.Campaigns, cfg.KB, cfg.Embedder))
	mcp.AddTool(srv, ArtifactPreviewTool(), ArtifactPreviewHandler(cfg.Artifacts))

	return &Server{srv: srv}, nil
}

// Run serves MCP over stdin/stdout until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	if err := s.srv.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp: serve: %w", err)
	}
	return nil
}
