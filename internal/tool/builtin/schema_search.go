package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pocketomega/pocket-omega/internal/orchestration"
	"github.com/pocketomega/pocket-omega/internal/retrieval"
	"github.com/pocketomega/pocket-omega/internal/tool"
)

// SchemaSearchTool is the schema_search built-in (§4.1 SqlRetrieval /
// SchemaContextInjected): it ranks the process's in-memory tables against
// the query and reports the matches that drove Tier 2's schema_relevancy.
// Output carries a <schema_result> marker line so ToolNode can turn the
// call into an EventSchemaSearched without re-parsing free text, the same
// way toolformat's dispatchers extract <tool_call> bodies with a regexp
// rather than a general parser.
type SchemaSearchTool struct {
	corpus *retrieval.Corpus
	scorer *orchestration.RelevancyScorer
	min    float64
}

// NewSchemaSearchTool builds the tool against corpus. scorer is stored on the
// tool but Execute does not apply it: the reported relevancy is the highest
// table similarity returned by corpus.SearchTables. min is the
// sql_enable_min threshold (AppSettings.Relevancy.SqlEnableMin) used to set
// sql_enabled in the result.
func NewSchemaSearchTool(corpus *retrieval.Corpus, scorer *orchestration.RelevancyScorer, sqlEnableMin float64) *SchemaSearchTool {
	return &SchemaSearchTool{corpus: corpus, scorer: scorer, min: sqlEnableMin}
}

func (t *SchemaSearchTool) Name() string { return orchestration.BuiltinSchemaSearch }

func (t *SchemaSearchTool) Description() string {
	return "在已接入的数据表中按关键词检索相关表结构，返回匹配的表名与列。"
}

func (t *SchemaSearchTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "query", Type: "string", Description: "检索关键词", Required: true},
	)
}

func (t *SchemaSearchTool) Init(_ context.Context) error { return nil }
func (t *SchemaSearchTool) Close() error                 { return nil }

type schemaSearchArgs struct {
	Query string `json:"query"`
}

type schemaSearchMarker struct {
	Tables     []string `json:"tables"`
	Relevancy  float64  `json:"relevancy"`
	SqlEnabled bool     `json:"sql_enabled"`
}

func (t *SchemaSearchTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a schemaSearchArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("参数解析失败: %v", err)}, nil
	}
	if a.Query == "" {
		return tool.ToolResult{Error: "query 不能为空"}, nil
	}
	if t.corpus == nil {
		return tool.ToolResult{Error: "未配置数据表来源"}, nil
	}

	scored := t.corpus.SearchTables(retrieval.HashEmbed(a.Query))
	var tables []string
	var lines []string
	maxRelevancy := 0.0
	for _, s := range scored {
		if s.Relevancy <= 0 {
			continue
		}
		tables = append(tables, s.Table.Name)
		lines = append(lines, "- "+retrieval.DescribeTable(s.Table))
		if s.Relevancy > maxRelevancy {
			maxRelevancy = s.Relevancy
		}
	}

	marker := schemaSearchMarker{Tables: tables, Relevancy: maxRelevancy, SqlEnabled: maxRelevancy >= t.min}
	markerJSON, _ := json.Marshal(marker)

	var sb strings.Builder
	sb.WriteString("<schema_result>")
	sb.Write(markerJSON)
	sb.WriteString("</schema_result>\n")
	if len(tables) == 0 {
		sb.WriteString("未找到相关表。")
	} else {
		fmt.Fprintf(&sb, "发现 %d 张相关表：\n", len(tables))
		sb.WriteString(strings.Join(lines, "\n"))
	}

	return tool.ToolResult{Output: sb.String()}, nil
}
