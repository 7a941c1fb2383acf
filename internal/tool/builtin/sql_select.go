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

const sqlSelectRowLimit = 200

// SqlSelectTool is the sql_select built-in (§4.1 SqlResultCommentary): it
// runs a column/WHERE-expression filter over one of the process's in-memory
// tables. It deliberately never opens a real database connection — database
// connector implementations are an external-collaborator concern — so it
// only ever reads tables the process already has in memory via retrieval.Corpus.
type SqlSelectTool struct {
	corpus *retrieval.Corpus
}

func NewSqlSelectTool(corpus *retrieval.Corpus) *SqlSelectTool {
	return &SqlSelectTool{corpus: corpus}
}

func (t *SqlSelectTool) Name() string { return orchestration.BuiltinSqlSelect }

func (t *SqlSelectTool) Description() string {
	return "对已发现的数据表执行受限查询：指定 table、可选 where 表达式与 columns。"
}

func (t *SqlSelectTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "table", Type: "string", Description: "目标表名", Required: true},
		tool.SchemaParam{Name: "where", Type: "string", Description: "布尔过滤表达式，例如 age >= 18"},
		tool.SchemaParam{Name: "limit", Type: "integer", Description: "最大返回行数"},
	)
}

func (t *SqlSelectTool) Init(_ context.Context) error { return nil }
func (t *SqlSelectTool) Close() error                  { return nil }

type sqlSelectArgs struct {
	Table string `json:"table"`
	Where string `json:"where"`
	Limit int    `json:"limit"`
}

type sqlResultMarker struct {
	RowCount int `json:"row_count"`
}

func (t *SqlSelectTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a sqlSelectArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("参数解析失败: %v", err)}, nil
	}
	if a.Table == "" {
		return tool.ToolResult{Error: "table 不能为空"}, nil
	}
	if t.corpus == nil {
		return tool.ToolResult{Error: "未配置数据表来源"}, nil
	}

	tbl, ok := t.corpus.Table(a.Table)
	if !ok {
		return tool.ToolResult{Error: fmt.Sprintf("表 %q 不存在", a.Table)}, nil
	}

	limit := a.Limit
	if limit <= 0 || limit > sqlSelectRowLimit {
		limit = sqlSelectRowLimit
	}
	rows, err := retrieval.Select(tbl, a.Where, limit)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}

	markerJSON, _ := json.Marshal(sqlResultMarker{RowCount: len(rows)})

	var sb strings.Builder
	sb.WriteString("<sql_result>")
	sb.Write(markerJSON)
	sb.WriteString("</sql_result>\n")
	sb.WriteString(formatRows(tbl.Columns, rows))

	return tool.ToolResult{Output: sb.String()}, nil
}

func formatRows(columns []string, rows []map[string]any) string {
	if len(rows) == 0 {
		return "(无匹配行)"
	}
	var sb strings.Builder
	sb.WriteString("| " + strings.Join(columns, " | ") + " |\n")
	for _, row := range rows {
		vals := make([]string, len(columns))
		for i, c := range columns {
			vals[i] = fmt.Sprintf("%v", row[c])
		}
		sb.WriteString("| " + strings.Join(vals, " | ") + " |\n")
	}
	return sb.String()
}
