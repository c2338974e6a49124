package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/versdb/pkg/indices"
)

func planFor(t *testing.T, sql string) *Plan {
	t.Helper()
	stmt, err := NewParser().Parse(sql)
	require.NoError(t, err)
	return PlanSelect(stmt.Select.Where)
}

func TestPlanNamespaceEquality(t *testing.T) {
	plan := planFor(t, "SELECT key FROM text WHERE namespace = 'page'")
	assert.True(t, plan.UseIndex)
	assert.Equal(t, "page", plan.Filter.Namespace)
}

func TestPlanKeyPrefixLike(t *testing.T) {
	plan := planFor(t, "SELECT key FROM text WHERE key LIKE 'page.%'")
	assert.True(t, plan.UseIndex)
	assert.Equal(t, []string{"page", indices.Wildcard}, plan.Filter.Hierarchy)

	plan = planFor(t, "SELECT key FROM text WHERE key LIKE 'page.header.%'")
	assert.True(t, plan.UseIndex)
	assert.Equal(t, []string{"page", "header", indices.Wildcard}, plan.Filter.Hierarchy)
}

func TestPlanModifierLike(t *testing.T) {
	plan := planFor(t, "SELECT key FROM text WHERE key LIKE '%@de'")
	assert.True(t, plan.UseIndex)
	assert.Equal(t, "de", plan.Filter.Language)

	plan = planFor(t, "SELECT key FROM text WHERE key LIKE 'page.%@de'")
	assert.True(t, plan.UseIndex)
	assert.Equal(t, "de", plan.Filter.Language)
	assert.Equal(t, []string{"page", indices.Wildcard}, plan.Filter.Hierarchy)
}

func TestPlanExactKey(t *testing.T) {
	plan := planFor(t, "SELECT value FROM text WHERE key = 'page.title@de'")
	assert.True(t, plan.UseIndex)
	assert.Equal(t, []string{"page", "title"}, plan.Filter.Hierarchy)
	assert.Equal(t, "de", plan.Filter.Language)
}

func TestPlanCombinedPredicates(t *testing.T) {
	plan := planFor(t, "SELECT key FROM text WHERE namespace = 'page' AND key LIKE '%@de' AND value != ''")
	assert.True(t, plan.UseIndex)
	assert.Equal(t, "page", plan.Filter.Namespace)
	assert.Equal(t, "de", plan.Filter.Language)
}

func TestPlanFallsBackToScan(t *testing.T) {
	tests := []string{
		"SELECT key FROM text WHERE value = 'x'",
		"SELECT key FROM text WHERE key LIKE '%title%'",
		"SELECT key FROM text",
	}
	for _, sql := range tests {
		plan := planFor(t, sql)
		assert.True(t, plan.Scan, sql)
		assert.False(t, plan.UseIndex, sql)
	}
}
