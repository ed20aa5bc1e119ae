package content

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membersite/internal/store"
)

func fixedClock(s string) func() time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return t }
}

func insert(t *testing.T, m *store.Memory, table string, cols []string, vals ...[]string) {
	t.Helper()
	for _, v := range vals {
		require.NoError(t, m.Insert(context.Background(), table, cols, v))
	}
}

func TestCurrentArticle(t *testing.T) {
	m := store.NewMemory(store.DefaultSchema())
	insert(t, m, "articles", []string{"title", "text", "expiry"},
		[]string{"Old", "gone", "2026-01-01"},
		[]string{"Soon", "next week", "2026-04-10"},
		[]string{"Later", "Easter", "2026-04-20"},
		[]string{"Later twin", "same expiry", "2026-04-20"},
	)
	insert(t, m, "songs", []string{"name", "link", "role", "article"},
		[]string{"Hymn", "https://x/1", "entrance", "Later"},
		[]string{"Psalm", "https://x/2", "psalm", "Soon"},
		[]string{"Anthem", "https://x/3", "closing", "Later"},
	)
	s := NewService(m, "", WithClock(fixedClock("2026-04-05T12:00:00Z")))

	article, ok, err := s.CurrentArticle(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Later", article.Title)
	assert.Equal(t, "Easter", article.Text)
	assert.Equal(t, []Song{
		{Name: "Hymn", Link: "https://x/1", Role: "entrance"},
		{Name: "Anthem", Link: "https://x/3", Role: "closing"},
	}, article.Songs)
}

func TestCurrentArticle_ExpiresAtStartOfDay(t *testing.T) {
	m := store.NewMemory(store.DefaultSchema())
	insert(t, m, "articles", []string{"title", "text", "expiry"}, []string{"Today", "", "2026-04-05"})

	s := NewService(m, "", WithClock(fixedClock("2026-04-05T00:00:00Z")))
	_, ok, err := s.CurrentArticle(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	s = NewService(m, "", WithClock(fixedClock("2026-04-04T23:59:59Z")))
	article, ok, err := s.CurrentArticle(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, article.Songs)
	assert.Empty(t, article.Songs)
}

func TestImages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jpg"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "thumbs"), 0o755))

	images, err := NewService(nil, dir).Images()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.jpg"}, images)

	_, err = NewService(nil, filepath.Join(dir, "missing")).Images()
	assert.Error(t, err)
}

func TestCalendarEvents(t *testing.T) {
	m := store.NewMemory(store.DefaultSchema())
	insert(t, m, "calendar", []string{"title", "date", "start_time", "end_time", "notes"},
		[]string{"Choir", "2026-03-04", "19:00", "21:00", "hall"},
		[]string{"Fair", "2026-04-01", "10:00", "16:00", ""},
		[]string{"Concert", "2026-03-28", "18:00", "20:00", "church"},
	)
	s := NewService(m, "")

	events, err := s.CalendarEvents(context.Background(), "2026-03")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Event{ID: 1, Title: "Choir", Date: "2026-03-04", StartTime: "19:00", EndTime: "21:00", Notes: "hall"}, events[0])
	assert.Equal(t, int64(3), events[1].ID)

	none, err := s.CalendarEvents(context.Background(), "2025-12")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestCalendarEvents_RejectsMalformedMonth(t *testing.T) {
	s := NewService(store.NewMemory(store.DefaultSchema()), "")
	for _, raw := range []string{"", "2026", "2026-13", "%", "2026-03-01"} {
		_, err := s.CalendarEvents(context.Background(), raw)
		var ie *InputError
		assert.ErrorAs(t, err, &ie, "input %q", raw)
	}
}
