package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingColumn(t *testing.T) {
	col, err := embeddingColumn(1536)
	require.NoError(t, err)
	assert.Equal(t, "embedding_1536", col)

	_, err = embeddingColumn(512)
	assert.Error(t, err)
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[]", vectorLiteral(nil))
	assert.Equal(t, "[1,-0.5,0.25]", vectorLiteral([]float32{1, -0.5, 0.25}))
}

func TestDedupeTags(t *testing.T) {
	tags := dedupeTags([]string{"go", " go ", "db", "", "go", "api"})
	assert.Equal(t, []string{"api", "db", "go"}, tags)
}

func TestFilterClausePrivacy(t *testing.T) {
	var args []interface{}
	clause := filterClause(SearchFilters{}, &args)
	assert.Contains(t, clause, "is_project_private = FALSE")
	assert.Empty(t, args)

	args = nil
	clause = filterClause(SearchFilters{ProjectID: "p1"}, &args)
	assert.Contains(t, clause, "s.project_id = $1")
	assert.Equal(t, []interface{}{"p1"}, args)
}

func TestFilterClausePlaceholders(t *testing.T) {
	args := []interface{}{"vec", 768}
	clause := filterClause(SearchFilters{
		SourceID:      "src",
		KnowledgeType: KnowledgeTechnical,
		Tags:          []string{"a", "b"},
	}, &args)

	assert.Contains(t, clause, "p.source_id = $3")
	assert.Contains(t, clause, "s.knowledge_type = $4")
	assert.Contains(t, clause, "$5 = ANY(s.tags)")
	assert.Contains(t, clause, "$6 = ANY(s.tags)")
	assert.Len(t, args, 6)
}
