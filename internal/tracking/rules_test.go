package tracking

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylab/project-relay/internal/core/entity"
)

// writeRule is a test helper that writes a single rule YAML file into dir.
func writeRule(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileSystemRuleRepository_LoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "order.yaml", `
entity: "order"
fields: [status, driver, completion_comment, deliver_before]
field_events: [status, driver]
fold_empty: [completion_comment]
fold_time: [deliver_before]
`)
	writeRule(t, dir, "member.yaml", `
entity: "member"
fields: [work_status, role]
field_events: [work_status]
`)

	repo, err := NewFileSystemRuleRepository(dir)
	require.NoError(t, err)

	all, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	rule, err := repo.Get(context.Background(), entity.KindOrder)
	require.NoError(t, err)
	assert.Equal(t, entity.KindOrder, rule.Entity)
	assert.Equal(t, []string{"status", "driver", "completion_comment", "deliver_before"}, rule.Fields)
	assert.True(t, rule.EmitsFieldEvent("status"))
	assert.False(t, rule.EmitsFieldEvent("completion_comment"))
	assert.NotEmpty(t, rule.Fingerprint)

	pol := rule.Policy()
	assert.True(t, pol.FoldEmpty["completion_comment"])
	assert.True(t, pol.FoldTime["deliver_before"])
	assert.False(t, pol.FoldTime["status"])

	// Untracked kind
	_, err = repo.Get(context.Background(), entity.KindMerchant)
	assert.Error(t, err)
}

func TestFileSystemRuleRepository_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "unknown entity kind",
			content: "entity: \"invoice\"\nfields: [status]\n",
		},
		{
			name:    "no tracked fields",
			content: "entity: \"order\"\n",
		},
		{
			name:    "field_events outside allow-list",
			content: "entity: \"order\"\nfields: [status]\nfield_events: [driver]\n",
		},
		{
			name:    "malformed yaml",
			content: "entity: [unclosed\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeRule(t, dir, "rule.yaml", tt.content)
			_, err := NewFileSystemRuleRepository(dir)
			assert.Error(t, err)
		})
	}
}

func TestFileSystemRuleRepository_DuplicateEntity(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a.yaml", "entity: \"order\"\nfields: [status]\n")
	writeRule(t, dir, "b.yaml", "entity: \"order\"\nfields: [driver]\n")

	_, err := NewFileSystemRuleRepository(dir)
	assert.Error(t, err)
}

func TestFileSystemRuleRepository_EmptyDir(t *testing.T) {
	_, err := NewFileSystemRuleRepository(t.TempDir())
	assert.Error(t, err)
}

func TestDefaultRules_CoverSnapshots(t *testing.T) {
	repo, err := NewStaticRuleRepository(DefaultRules()...)
	require.NoError(t, err)

	// Every field a default rule tracks must exist in the entity's snapshot,
	// otherwise the diff engine would compare nil against nil forever.
	snapshots := map[entity.Kind]map[string]any{
		entity.KindOrder:             (&entity.Order{}).Snapshot(),
		entity.KindConcatenatedOrder: (&entity.ConcatenatedOrder{}).Snapshot(),
		entity.KindMember:            (&entity.Member{}).Snapshot(),
		entity.KindChecklist:         (&entity.ResultChecklist{}).Snapshot(),
	}

	for kind, snap := range snapshots {
		rule, err := repo.Get(context.Background(), kind)
		require.NoError(t, err, kind)
		for _, field := range rule.Fields {
			_, ok := snap[field]
			assert.True(t, ok, "%s rule tracks %q which is not a snapshot field", kind, field)
		}
	}
}
