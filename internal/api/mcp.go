package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/silfer/silferbot/internal/knowledge"
	"github.com/silfer/silferbot/internal/learning"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Cluster   ClusterStatus
	Learning  *learning.Service
	Knowledge *knowledge.Base
}

// NewMCPServer creates an MCP server exposing the bot's state to operator
// tooling: pending questions, learned answers, knowledge and cluster status.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"silferbot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("silferbot — WhatsApp attendant for the Silfer Concursos school. Tools inspect and curate what the bot knows."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_pending_questions",
			mcp.WithDescription("List customer questions still waiting for a staff answer."),
		),
		mcpListPending(deps),
	)

	s.AddTool(
		mcp.NewTool("list_learned_responses",
			mcp.WithDescription("List the answers the bot has learned from the staff."),
		),
		mcpListLearned(deps),
	)

	s.AddTool(
		mcp.NewTool("learn_response",
			mcp.WithDescription("Teach the bot an answer for a question."),
			mcp.WithString("question", mcp.Description("Customer question"), mcp.Required()),
			mcp.WithString("answer", mcp.Description("Answer the bot should give"), mcp.Required()),
		),
		mcpLearnResponse(deps),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Search the school's knowledge base documents."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
		),
		mcpSearchKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("cluster_status",
			mcp.WithDescription("Report which device is the cluster master and the state of every device."),
		),
		mcpClusterStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"silfer://knowledge",
			"Knowledge Base",
			mcp.WithResourceDescription("All imported knowledge documents as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceKnowledge(deps),
	)

	return s
}

func mcpListPending(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := deps.Learning.PendingList()
		if err != nil {
			return mcpError(fmt.Sprintf("listing pending: %v", err)), nil
		}
		b, err := json.Marshal(list)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListLearned(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := deps.Learning.List()
		if err != nil {
			return mcpError(fmt.Sprintf("listing learned: %v", err)), nil
		}
		b, err := json.Marshal(list)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpLearnResponse(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		answer, err := req.RequireString("answer")
		if err != nil {
			return mcpError("answer is required"), nil
		}
		lr, err := deps.Learning.Learn(question, answer, "manual")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to learn: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Learned response %s", lr.ID)), nil
	}
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		hits := deps.Knowledge.Search(query)
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClusterStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Cluster.Status())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceKnowledge(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Knowledge.Documents())
		if err != nil {
			return nil, fmt.Errorf("marshaling knowledge base: %w", err)
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
