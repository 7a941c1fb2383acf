// Package retrieval is the in-memory knowledge/table corpus backing the
// schema_search, sql_select and rag_search built-ins. Per-file RAG chunking
// and real database connectors are external-collaborator concerns (§1
// Non-goals) — this package only holds already-chunked text and already-
// loaded tabular data, scored and filtered in process.
package retrieval

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pocketomega/pocket-omega/internal/gpuguard"
)

// Document is one pre-chunked unit of RAG corpus text.
type Document struct {
	ID        string
	Source    string
	Text      string
	Embedding []float32
}

// Table is an in-memory tabular data source for schema_search/sql_select.
// Rows are plain maps so govaluate (sql_select's WHERE evaluator) can bind
// column names directly as expression variables.
type Table struct {
	Name      string
	Columns   []string
	Rows      []map[string]any
	Embedding []float32 // embeds "name + columns" for schema_search ranking
}

// Corpus holds the process's RAG documents and attached/registered tables.
// Reads take no lock. AddTable and AddDocs modify the corpus in place and
// are not synchronized with reads.
type Corpus struct {
	docs   []Document
	tables []Table
}

// NewCorpus builds a corpus from already-embedded documents and tables.
func NewCorpus(docs []Document, tables []Table) *Corpus {
	return &Corpus{docs: docs, tables: tables}
}

// ScoredDocument pairs a Document with its relevancy to a query.
type ScoredDocument struct {
	Document  Document
	Relevancy float64
}

// ScoredTable pairs a Table with its relevancy to a query.
type ScoredTable struct {
	Table     Table
	Relevancy float64
}

// SearchDocs ranks every document against queryEmbedding by cosine
// similarity and returns the top-K, descending.
func (c *Corpus) SearchDocs(queryEmbedding []float32, topK int) []ScoredDocument {
	scored := make([]ScoredDocument, 0, len(c.docs))
	for _, d := range c.docs {
		scored = append(scored, ScoredDocument{Document: d, Relevancy: gpuguard.CosineSimilarity(queryEmbedding, d.Embedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Relevancy > scored[j].Relevancy })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// SearchTables ranks every table against queryEmbedding by cosine similarity
// of its name+column embedding.
func (c *Corpus) SearchTables(queryEmbedding []float32) []ScoredTable {
	scored := make([]ScoredTable, 0, len(c.tables))
	for _, t := range c.tables {
		scored = append(scored, ScoredTable{Table: t, Relevancy: gpuguard.CosineSimilarity(queryEmbedding, t.Embedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Relevancy > scored[j].Relevancy })
	return scored
}

// Table looks up a table by name for sql_select.
func (c *Corpus) Table(name string) (Table, bool) {
	for _, t := range c.tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// TableNames lists every table currently registered, for DatabaseSourceCount
// and prompt summaries.
func (c *Corpus) TableNames() []string {
	names := make([]string, len(c.tables))
	for i, t := range c.tables {
		names[i] = t.Name
	}
	return names
}

// AddTable registers (or replaces) a table, e.g. for an AttachedTable.
func (c *Corpus) AddTable(t Table) {
	for i, existing := range c.tables {
		if existing.Name == t.Name {
			c.tables[i] = t
			return
		}
	}
	c.tables = append(c.tables, t)
}

// AddDocs appends newly-indexed RAG documents.
func (c *Corpus) AddDocs(docs ...Document) {
	c.docs = append(c.docs, docs...)
}

// DescribeTable renders a one-line "name(col1, col2, ...)" summary used by
// schema_search's human-readable output and the system prompt's schema
// context block.
func DescribeTable(t Table) string {
	return fmt.Sprintf("%s(%s)", t.Name, strings.Join(t.Columns, ", "))
}
