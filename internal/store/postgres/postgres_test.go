package postgres

import (
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://x@y/z", Host: "ignored"},
			want: "postgres://x@y/z",
		},
		{
			name: "fields with defaults",
			cfg:  ClientConfig{Host: "db", Database: "trailbot", User: "u", Password: "p"},
			want: "postgres://u:p@db:5432/trailbot?sslmode=disable",
		},
		{
			name: "custom port and ssl",
			cfg:  ClientConfig{Host: "db", Port: 6543, Database: "d", User: "u", SSLMode: "require"},
			want: "postgres://u:@db:6543/d?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DSN(tt.cfg))
		})
	}
}

func TestAuditListQuery(t *testing.T) {
	q, args := auditListQuery(domain.ListOpts{})
	assert.Equal(t, "SELECT id, event, detail, created_at FROM audit_log ORDER BY id DESC", q)
	assert.Empty(t, args)

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args = auditListQuery(domain.ListOpts{Since: &since, Limit: 10, Offset: 20})
	assert.Equal(t,
		"SELECT id, event, detail, created_at FROM audit_log WHERE created_at >= $1 ORDER BY id DESC LIMIT $2 OFFSET $3", q)
	assert.Equal(t, []any{since, 10, 20}, args)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	data, err := migrationsFS.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), "portfolio_state")
	assert.Contains(t, string(data), "audit_log")
}

func TestPlanSave(t *testing.T) {
	closed := func(id string) domain.Position {
		return domain.Position{ID: id, Status: domain.PositionStatusClosed}
	}
	state := domain.LedgerState{
		Open:   map[string]domain.Position{"o1": {ID: "o1", Status: domain.PositionStatusOpen}},
		Closed: []domain.Position{closed("c1"), closed("c2"), closed("c3")},
	}
	ids := func(ps []domain.Position) []string {
		out := make([]string, 0, len(ps))
		for _, p := range ps {
			out = append(out, p.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		synced int
		full   bool
		rows   []string
	}{
		{"first save writes everything", -1, true, []string{"o1", "c1", "c2", "c3"}},
		{"only newly closed rows", 2, false, []string{"o1", "c3"}},
		{"nothing closed since last save", 3, false, []string{"o1"}},
		{"history replaced", 5, true, []string{"o1", "c1", "c2", "c3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := planSave(state, tt.synced)
			assert.Equal(t, tt.full, plan.full)
			assert.Equal(t, tt.rows, ids(plan.rows))
			assert.Equal(t, []string{"o1"}, plan.openIDs)
		})
	}
}
