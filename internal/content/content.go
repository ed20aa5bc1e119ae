// Package content serves the public, read-only parts of the site: the
// current song article, the image gallery listing and calendar events.
package content

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"membersite/internal/codec"
	"membersite/internal/store"
)

type Song struct {
	Name string `json:"name"`
	Link string `json:"link"`
	Role string `json:"role"`
}

type Article struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	Songs []Song `json:"songs"`
}

type Event struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Notes     string `json:"notes"`
}

type Service struct {
	storage   store.Storage
	imagesDir string
	now       func() time.Time
	validate  *validator.Validate
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(storage store.Storage, imagesDir string, opts ...Option) *Service {
	s := &Service{
		storage:   storage,
		imagesDir: imagesDir,
		now:       time.Now,
		validate:  validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CurrentArticle returns the unexpired article with the latest expiry date
// and the songs filed under its title. An article expires at the start of
// its expiry date (UTC). Ties go to the lowest id. ok is false when every
// article has expired.
func (s *Service) CurrentArticle(ctx context.Context) (Article, bool, error) {
	rows, err := s.storage.AllRows(ctx, "articles", true)
	if err != nil {
		return Article{}, false, fmt.Errorf("load articles: %w", err)
	}

	now := s.now()
	best := -1
	var bestExpiry time.Time
	for i := 0; i < rows.Len(); i++ {
		expiry, err := rows.Date(i, "expiry")
		if err != nil || !now.Before(expiry) {
			continue
		}
		if best < 0 || expiry.After(bestExpiry) {
			best, bestExpiry = i, expiry
		}
	}
	if best < 0 {
		return Article{}, false, nil
	}

	article := Article{
		Title: rows.Text(best, "title"),
		Text:  rows.Text(best, "text"),
		Songs: []Song{},
	}
	songs, err := s.storage.RowsMatching(ctx, "songs", "article", article.Title)
	if err != nil {
		return Article{}, false, fmt.Errorf("load songs: %w", err)
	}
	for i := 0; i < songs.Len(); i++ {
		article.Songs = append(article.Songs, Song{
			Name: songs.Text(i, "name"),
			Link: songs.Text(i, "link"),
			Role: songs.Text(i, "role"),
		})
	}
	return article, true, nil
}

// Images lists the file names in the images directory.
func (s *Service) Images() ([]string, error) {
	entries, err := os.ReadDir(s.imagesDir)
	if err != nil {
		return nil, fmt.Errorf("read images: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// CalendarEvents returns the events dated in yearMonth ("YYYY-MM"), in id
// order.
func (s *Service) CalendarEvents(ctx context.Context, yearMonth string) ([]Event, error) {
	if err := s.validate.Var(yearMonth, "required,datetime=2006-01"); err != nil {
		return nil, &InputError{Field: "year_month", Err: err}
	}
	rows, err := s.storage.RowsWithPrefix(ctx, "calendar", "date", yearMonth)
	if err != nil {
		return nil, fmt.Errorf("load calendar: %w", err)
	}
	events := make([]Event, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		id, err := rows.Int(i, "id")
		if err != nil {
			return nil, err
		}
		date := ""
		if d, err := rows.Date(i, "date"); err == nil {
			date = d.Format(codec.DateLayout)
		}
		events = append(events, Event{
			ID:        id,
			Title:     rows.Text(i, "title"),
			Date:      date,
			StartTime: rows.Text(i, "start_time"),
			EndTime:   rows.Text(i, "end_time"),
			Notes:     rows.Text(i, "notes"),
		})
	}
	return events, nil
}

// InputError reports a malformed request value.
type InputError struct {
	Field string
	Err   error
}

func (e *InputError) Error() string       { return fmt.Sprintf("invalid %s: %v", e.Field, e.Err) }
func (e *InputError) Unwrap() error       { return e.Err }
func (e *InputError) UserMessage() string { return "Please choose a valid month." }
