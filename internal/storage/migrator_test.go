package storage

import (
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []string
	}{
		{
			name:     "single statement",
			sql:      "CREATE TABLE block_records (ip String) ENGINE = MergeTree() ORDER BY ip",
			expected: []string{"CREATE TABLE block_records (ip String) ENGINE = MergeTree() ORDER BY ip"},
		},
		{
			name: "multiple statements",
			sql:  "CREATE TABLE a (id UInt64); CREATE TABLE b (id UInt64);",
			expected: []string{
				"CREATE TABLE a (id UInt64)",
				"CREATE TABLE b (id UInt64)",
			},
		},
		{
			name:     "semicolon inside string literal",
			sql:      "INSERT INTO t VALUES ('a;b')",
			expected: []string{"INSERT INTO t VALUES ('a;b')"},
		},
		{
			name:     "doubled quote escape",
			sql:      "INSERT INTO t VALUES ('it''s; fine'); SELECT 1",
			expected: []string{"INSERT INTO t VALUES ('it''s; fine')", "SELECT 1"},
		},
		{
			name:     "empty input",
			sql:      "",
			expected: nil,
		},
		{
			name:     "whitespace only",
			sql:      " \n\t ;  ; ",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitStatements(tt.sql)
			if len(got) != len(tt.expected) {
				t.Fatalf("splitStatements() = %d statements %v, want %d", len(got), got, len(tt.expected))
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("statement %d = %q, want %q", i, got[i], tt.expected[i])
				}
			}
		})
	}
}

func TestLoadMigrationsOrderedAndParsed(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("loadMigrations() returned %d migrations, want at least 2", len(migrations))
	}

	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration %d has version %d, want %d", i, m.Version, i+1)
		}
		if m.Name == "" || strings.HasSuffix(m.Name, ".sql") {
			t.Errorf("migration %d has unparsed name %q", i, m.Name)
		}
		if len(splitStatements(m.SQL)) == 0 {
			t.Errorf("migration %q contains no statements", m.Name)
		}
	}

	if migrations[0].Name != "create_block_records" {
		t.Errorf("first migration = %q, want create_block_records", migrations[0].Name)
	}
	if !strings.Contains(migrations[0].SQL, "ReplacingMergeTree(version)") {
		t.Error("block_records migration must use ReplacingMergeTree keyed by version")
	}
	if !strings.Contains(migrations[1].SQL, "TTL") {
		t.Error("risk_assessments migration must carry a TTL retention clause")
	}
}
