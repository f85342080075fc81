package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "numbers placeholders in order",
			query: "INSERT INTO activities (user_id, amount) VALUES (?, ?)",
			want:  "INSERT INTO activities (user_id, amount) VALUES ($1, $2)",
		},
		{
			name:  "leaves question marks inside string literals",
			query: "SELECT * FROM activities WHERE metadata = '?' AND user_id = ?",
			want:  "SELECT * FROM activities WHERE metadata = '?' AND user_id = $1",
		},
		{
			name:  "handles escaped quotes inside literals",
			query: "SELECT 'it''s ?' , ?",
			want:  "SELECT 'it''s ?' , $1",
		},
		{
			name:  "no placeholders",
			query: "SELECT 1",
			want:  "SELECT 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rebindPostgresPlaceholders(tt.query))
		})
	}
}

func TestNormalizePagination(t *testing.T) {
	limit, offset := normalizePagination(0, 0)
	assert.Equal(t, defaultPageLimit, limit)
	assert.Equal(t, 0, offset)

	limit, offset = normalizePagination(1000, -5)
	assert.Equal(t, maxPageLimit, limit)
	assert.Equal(t, 0, offset)

	limit, offset = normalizePagination(25, 50)
	assert.Equal(t, 25, limit)
	assert.Equal(t, 50, offset)
}
