package imap

import (
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSearchQuery(t *testing.T) {
	t.Run("handles empty query", func(t *testing.T) {
		criteria, err := ParseSearchQuery("   ")
		require.NoError(t, err)
		require.NotNil(t, criteria)
		assert.Empty(t, criteria.Header)
		assert.Empty(t, criteria.Or)
		assert.Empty(t, criteria.Body)
	})

	t.Run("maps header operators", func(t *testing.T) {
		criteria, err := ParseSearchQuery("from:george to:alice cc:carol bcc:dan subject:meeting")
		require.NoError(t, err)
		assert.Equal(t, "george", criteria.Header.Get("From"))
		assert.Equal(t, "alice", criteria.Header.Get("To"))
		assert.Equal(t, "carol", criteria.Header.Get("Cc"))
		assert.Equal(t, "dan", criteria.Header.Get("Bcc"))
		assert.Equal(t, "meeting", criteria.Header.Get("Subject"))
	})

	t.Run("bare words search subject or body", func(t *testing.T) {
		criteria, err := ParseSearchQuery("quarterly report")
		require.NoError(t, err)
		require.Len(t, criteria.Or, 1)
		assert.Equal(t, "quarterly report", criteria.Or[0][0].Header.Get("Subject"))
		assert.Equal(t, []string{"quarterly report"}, criteria.Or[0][1].Body)
		assert.Empty(t, criteria.Body)
	})

	t.Run("bare words next to operators search the body", func(t *testing.T) {
		criteria, err := ParseSearchQuery("from:bob budget numbers")
		require.NoError(t, err)
		assert.Equal(t, "bob", criteria.Header.Get("From"))
		assert.Equal(t, []string{"budget", "numbers"}, criteria.Body)
		assert.Empty(t, criteria.Or)
	})

	t.Run("unknown operators are plain words", func(t *testing.T) {
		criteria, err := ParseSearchQuery("re:hello")
		require.NoError(t, err)
		require.Len(t, criteria.Or, 1)
		assert.Equal(t, "re:hello", criteria.Or[0][0].Header.Get("Subject"))
	})

	t.Run("bare email addresses match sender or recipient", func(t *testing.T) {
		criteria, err := ParseSearchQuery("alice@example.com")
		require.NoError(t, err)
		require.Len(t, criteria.Or, 1)
		assert.Equal(t, "alice@example.com", criteria.Or[0][0].Header.Get("From"))
		assert.Equal(t, "alice@example.com", criteria.Or[0][1].Header.Get("To"))
	})

	t.Run("maps message state", func(t *testing.T) {
		tests := []struct {
			query   string
			with    []string
			without []string
		}{
			{query: "is:unread", without: []string{imap.SeenFlag}},
			{query: "is:read", with: []string{imap.SeenFlag}},
			{query: "is:starred", with: []string{imap.FlaggedFlag}},
			{query: "is:flagged", with: []string{imap.FlaggedFlag}},
			{query: "is:draft", with: []string{imap.DraftFlag}},
		}
		for _, tt := range tests {
			criteria, err := ParseSearchQuery(tt.query)
			require.NoError(t, err, tt.query)
			assert.Equal(t, tt.with, criteria.WithFlags, tt.query)
			assert.Equal(t, tt.without, criteria.WithoutFlags, tt.query)
		}
	})

	t.Run("matches attachments on headers", func(t *testing.T) {
		criteria, err := ParseSearchQuery("has:attachment")
		require.NoError(t, err)
		require.Len(t, criteria.Or, 1)
		assert.Equal(t, "attachment", criteria.Or[0][0].Header.Get("Content-Disposition"))
		assert.Equal(t, "multipart/mixed", criteria.Or[0][1].Header.Get("Content-Type"))
	})

	t.Run("parses absolute dates", func(t *testing.T) {
		criteria, err := ParseSearchQuery("after:2025-01-15 before:2025/02/01")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), criteria.Since)
		assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), criteria.Before)
	})

	t.Run("parses relative dates", func(t *testing.T) {
		original := now
		now = func() time.Time { return time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC) }
		t.Cleanup(func() { now = original })

		criteria, err := ParseSearchQuery("newer_than:7d older_than:1y")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), criteria.Since)
		assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), criteria.Before)

		criteria, err = ParseSearchQuery("newer_than:2w")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 2, 24, 0, 0, 0, 0, time.UTC), criteria.Since)
	})

	t.Run("keeps quoted phrases together", func(t *testing.T) {
		criteria, err := ParseSearchQuery(`subject:"quarterly report" from: "John Doe"`)
		require.NoError(t, err)
		assert.Equal(t, "quarterly report", criteria.Header.Get("Subject"))
		assert.Equal(t, "John Doe", criteria.Header.Get("From"))
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		for _, query := range []string{"from:", `from:""`, "is:bogus", "has:spreadsheet", "after:yesterday", "newer_than:xd", "older_than:5q"} {
			_, err := ParseSearchQuery(query)
			assert.Error(t, err, query)
		}
	})
}

func TestTokenizeQuery(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{query: "from:george    to:alice", want: []string{"from:george", "to:alice"}},
		{query: `from:"John Doe" test`, want: []string{"from:John Doe", "test"}},
		{query: `from: "John Doe"`, want: []string{"from:John Doe"}},
		{query: `from:"John Doe`, want: []string{"from:John Doe"}},
		{query: "", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, tokenizeQuery(tt.query))
		})
	}
}

func TestApplyPagination(t *testing.T) {
	t.Run("walks every item exactly once", func(t *testing.T) {
		for n := 0; n <= 12; n++ {
			items := make([]int, n)
			for i := range items {
				items[i] = i
			}
			for size := 1; size <= 5; size++ {
				var seen []int
				token := ""
				for pages := 0; pages <= n+1; pages++ {
					page, next := ApplyPagination(items, token, size)
					assert.LessOrEqual(t, len(page), size)
					seen = append(seen, page...)
					if next == "" {
						break
					}
					token = next
				}
				if n == 0 {
					assert.Empty(t, seen)
				} else {
					assert.Equal(t, items, seen, "n=%d size=%d", n, size)
				}
			}
		}
	})

	t.Run("treats a garbage token as the first page", func(t *testing.T) {
		page, next := ApplyPagination([]string{"a", "b", "c"}, "garbage", 2)
		assert.Equal(t, []string{"a", "b"}, page)
		assert.Equal(t, "2", next)
	})

	t.Run("accepts a huge page size", func(t *testing.T) {
		page, next := ApplyPagination([]int{1, 2, 3}, "1", math.MaxInt)
		assert.Equal(t, []int{2, 3}, page)
		assert.Empty(t, next)
	})

	t.Run("returns an empty page past the end", func(t *testing.T) {
		page, next := ApplyPagination([]string{"a"}, strconv.Itoa(5), 2)
		assert.NotNil(t, page)
		assert.Empty(t, page)
		assert.Empty(t, next)
	})

	t.Run("uses the default page size", func(t *testing.T) {
		items := make([]int, DefaultPageSize+1)
		page, next := ApplyPagination(items, "", 0)
		assert.Len(t, page, DefaultPageSize)
		assert.Equal(t, strconv.Itoa(DefaultPageSize), next)
	})
}
