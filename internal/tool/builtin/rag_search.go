package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pocketomega/pocket-omega/internal/retrieval"
	"github.com/pocketomega/pocket-omega/internal/tool"
)

const ragSearchTopK = 5

// RagSearchTool is the rag_search built-in (§4.1 RagRetrieval /
// RagContextInjected): it ranks the process's indexed RAG corpus against
// the query by cosine similarity. Per-file chunking is an external-
// collaborator concern — this only ranks chunks the process already holds.
type RagSearchTool struct {
	corpus *retrieval.Corpus
}

func NewRagSearchTool(corpus *retrieval.Corpus) *RagSearchTool {
	return &RagSearchTool{corpus: corpus}
}

func (t *RagSearchTool) Name() string { return "rag_search" }

func (t *RagSearchTool) Description() string {
	return "在已索引的知识库中检索与问题相关的文本片段。"
}

func (t *RagSearchTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "query", Type: "string", Description: "检索问题", Required: true},
	)
}

func (t *RagSearchTool) Init(_ context.Context) error { return nil }
func (t *RagSearchTool) Close() error                 { return nil }

type ragSearchArgs struct {
	Query string `json:"query"`
}

type ragResultMarker struct {
	Chunks []string `json:"chunks"`
}

func (t *RagSearchTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a ragSearchArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("参数解析失败: %v", err)}, nil
	}
	if a.Query == "" {
		return tool.ToolResult{Error: "query 不能为空"}, nil
	}
	if t.corpus == nil {
		return tool.ToolResult{Error: "未配置知识库"}, nil
	}

	scored := t.corpus.SearchDocs(retrieval.HashEmbed(a.Query), ragSearchTopK)
	var chunks []string
	for _, s := range scored {
		if s.Relevancy <= 0 {
			continue
		}
		chunks = append(chunks, s.Document.Text)
	}

	markerJSON, _ := json.Marshal(ragResultMarker{Chunks: chunks})

	var sb strings.Builder
	sb.WriteString("<rag_result>")
	sb.Write(markerJSON)
	sb.WriteString("</rag_result>\n")
	if len(chunks) == 0 {
		sb.WriteString("未找到相关内容。")
	} else {
		for i, c := range chunks {
			fmt.Fprintf(&sb, "[%d] %s\n", i+1, c)
		}
	}

	return tool.ToolResult{Output: sb.String()}, nil
}
