package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docuquery/internal/apperr"
	"github.com/kalambet/docuquery/internal/document"
	"github.com/kalambet/docuquery/internal/ingest"
	"github.com/kalambet/docuquery/internal/query"
)

const statsURI = "docuquery://stats"

// NewMCPServer exposes question answering, search and document management
// as MCP tools, plus the collection stats as a resource.
func NewMCPServer(svc Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"docuquery",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("DocuQuery answers questions over your ingested documents and cites its sources."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question using the ingested documents, citing the chunks used."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithNumber("top_k", mcp.Description("Number of chunks to retrieve (1-20)")),
			mcp.WithBoolean("include_sources", mcp.Description("Include source chunks in the result (default true)")),
		),
		mcpAsk(svc),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Semantically search the ingested documents without generating an answer."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("document_id", mcp.Description("Restrict the search to one document")),
		),
		mcpSearch(svc),
	)

	s.AddTool(
		mcp.NewTool("ingest_document",
			mcp.WithDescription("Ingest a document (plain text or base64) into the knowledge base."),
			mcp.WithString("filename", mcp.Description("Original filename"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Document content, plain text or base64"), mcp.Required()),
			mcp.WithString("file_type", mcp.Description("pdf, markdown, text or html"), mcp.Required()),
		),
		mcpIngest(svc),
	)

	s.AddTool(
		mcp.NewTool("delete_document",
			mcp.WithDescription("Delete a document and its indexed chunks."),
			mcp.WithString("document_id", mcp.Description("Document id"), mcp.Required()),
		),
		mcpDelete(svc),
	)

	s.AddResource(
		mcp.NewResource(
			statsURI,
			"Collection Stats",
			mcp.WithResourceDescription("Vector collection statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(svc),
	)

	return s
}

func mcpAsk(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		resp, err := svc.AnswerQuestion(ctx, query.Request{
			Question:       question,
			TopK:           req.GetInt("top_k", 0),
			IncludeSources: req.GetBool("include_sources", true),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %s", apperr.Message(err))), nil
		}
		return mcpJSON(resp)
	}
}

func mcpSearch(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > query.MaxTopK {
			limit = query.MaxTopK
		}

		sources, err := svc.Search(ctx, q, limit, req.GetString("document_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %s", apperr.Message(err))), nil
		}
		return mcpJSON(sources)
	}
}

func mcpIngest(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filename, err := req.RequireString("filename")
		if err != nil {
			return mcpError("filename is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		fileType, ok := document.ParseType(req.GetString("file_type", ""))
		if !ok {
			return mcpError("file_type must be one of pdf, markdown, text, html"), nil
		}

		res := svc.IngestDocument(ctx, ingest.Request{
			Filename: filename,
			Content:  content,
			FileType: fileType,
			Metadata: map[string]string{"source": "mcp"},
		})
		if res.Status == document.StatusFailed {
			return mcpError(res.Message), nil
		}
		return mcpJSON(res)
	}
}

func mcpDelete(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}

		n, err := svc.DeleteDocument(ctx, id)
		if err != nil {
			return mcpError(apperr.Message(err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted document %s (%d chunks)", id, n)), nil
	}
}

func mcpResourceStats(svc Service) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := svc.CollectionStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get collection stats: %w", err)
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
