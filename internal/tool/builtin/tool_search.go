package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pocketomega/pocket-omega/internal/orchestration"
	"github.com/pocketomega/pocket-omega/internal/tool"
)

// ToolSearchSource is the discovery backend tool_search queries — satisfied
// by *mcp.Manager.ToolSchemas, kept as an interface here so this package
// doesn't import mcp. Query matches case-insensitively against server name,
// tool name and description.
type ToolSearchSource interface {
	ToolSchemas() []orchestration.ToolSchema
}

// ToolSearchTool is the tool_search built-in (§4.1 ToolOrchestration /
// ToolsDiscovered, §4.3 Auto tool_search): it scans deferred MCP tools and
// materializes the ones matching query, the same discovery step the loop
// also runs automatically before iteration 1 when deferred tools exist.
type ToolSearchTool struct {
	source ToolSearchSource
}

func NewToolSearchTool(source ToolSearchSource) *ToolSearchTool {
	return &ToolSearchTool{source: source}
}

func (t *ToolSearchTool) Name() string { return orchestration.BuiltinToolSearch }

func (t *ToolSearchTool) Description() string {
	return "在尚未展开的 MCP 工具中按关键词检索并将匹配项设为可调用。"
}

func (t *ToolSearchTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "query", Type: "string", Description: "检索关键词", Required: true},
	)
}

func (t *ToolSearchTool) Init(_ context.Context) error { return nil }
func (t *ToolSearchTool) Close() error                 { return nil }

type toolSearchArgs struct {
	Query string `json:"query"`
}

type toolSearchResultMarker struct {
	Materialized     []string `json:"materialized"`
	AvailableForCall []string `json:"available_for_call"`
}

// Discover matches query against deferred tools in source, returning the
// registered tool name each one resolves to. Exported so the agentic loop's
// Auto tool_search step (§4.3) can reuse the same matching logic without
// going through Execute's JSON argument/marker plumbing.
func Discover(source ToolSearchSource, query string) []string {
	if source == nil {
		return nil
	}
	q := strings.ToLower(strings.TrimSpace(query))
	var matches []string
	for _, schema := range source.ToolSchemas() {
		if !schema.DeferLoading {
			continue
		}
		if q == "" || matchesQuery(schema, q) {
			matches = append(matches, registeredName(schema))
		}
	}
	return matches
}

// registeredName maps a Tier-1 ToolSchema back onto the name the tool is
// actually registered under in tool.Registry — mcp.MCPToolAdapter.Name()
// uses "mcp_<server>__<tool>", not ToolSchema.FullyQualifiedName()'s
// "server::tool" — so a discovered tool is admitted by IsToolAllowed under
// the same name the model will call it with.
func registeredName(schema orchestration.ToolSchema) string {
	if schema.Server == "" {
		return schema.Tool
	}
	return fmt.Sprintf("mcp_%s__%s", schema.Server, schema.Tool)
}

func matchesQuery(schema orchestration.ToolSchema, q string) bool {
	haystack := strings.ToLower(schema.Server + " " + schema.Tool + " " + schema.Description)
	return strings.Contains(haystack, q)
}

func (t *ToolSearchTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a toolSearchArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("参数解析失败: %v", err)}, nil
	}
	if a.Query == "" {
		return tool.ToolResult{Error: "query 不能为空"}, nil
	}
	if t.source == nil {
		return tool.ToolResult{Error: "未配置工具发现来源"}, nil
	}

	materialized := Discover(t.source, a.Query)

	marker := toolSearchResultMarker{Materialized: materialized, AvailableForCall: materialized}
	markerJSON, _ := json.Marshal(marker)

	var sb strings.Builder
	sb.WriteString("<tool_search_result>")
	sb.Write(markerJSON)
	sb.WriteString("</tool_search_result>\n")
	if len(materialized) == 0 {
		sb.WriteString("未发现匹配的工具。")
	} else {
		fmt.Fprintf(&sb, "发现 %d 个可调用工具：\n- %s", len(materialized), strings.Join(materialized, "\n- "))
	}

	return tool.ToolResult{Output: sb.String()}, nil
}
