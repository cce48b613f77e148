package ingest

import (
	"context"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/CourseForge/internal/config"
	"github.com/TobiSchelling/CourseForge/internal/logger"
)

const maxPerFeed = 20

// Entry is one trend candidate discovered in a feed.
type Entry struct {
	ID        string
	URL       string
	Title     string
	Summary   string
	Source    string
	Published time.Time
}

// FeedReader reads RSS/Atom feeds.
type FeedReader struct {
	feeds  []config.Feed
	parser *gofeed.Parser
	log    *logger.Logger
}

// NewFeedReader creates a reader for the configured feeds.
func NewFeedReader(feeds []config.Feed, timeout time.Duration, log *logger.Logger) *FeedReader {
	parser := gofeed.NewParser()
	parser.UserAgent = userAgent
	parser.Client = &http.Client{Timeout: timeout}
	return &FeedReader{feeds: feeds, parser: parser, log: log}
}

// Read returns entries published at or after since. A feed that cannot be
// read is logged and skipped.
func (r *FeedReader) Read(ctx context.Context, since time.Time) []Entry {
	var all []Entry
	for _, fc := range r.feeds {
		if ctx.Err() != nil {
			break
		}
		name := fc.Name
		if name == "" {
			name = sourceName(fc.URL)
		}

		feed, err := r.parser.ParseURLWithContext(fc.URL, ctx)
		if err != nil {
			r.log.Warn("Feed unreadable", "feed", fc.URL, "error", err.Error())
			continue
		}
		entries := entriesFrom(feed, name, since)
		r.log.Info("Feed parsed", "source", name, "entries", len(entries))
		all = append(all, entries...)
	}
	return all
}

func entriesFrom(feed *gofeed.Feed, source string, since time.Time) []Entry {
	var entries []Entry
	for _, item := range feed.Items {
		if len(entries) >= maxPerFeed {
			break
		}
		e, ok := entryFrom(item, source)
		if !ok {
			continue
		}
		if !e.Published.IsZero() && e.Published.Before(since) {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

func entryFrom(item *gofeed.Item, source string) (Entry, bool) {
	link := item.Link
	if link == "" {
		link = item.GUID
	}
	title := strings.TrimSpace(item.Title)
	if link == "" || title == "" {
		return Entry{}, false
	}

	id := item.GUID
	if id == "" {
		id = link
	}

	e := Entry{ID: id, URL: link, Title: title, Source: source}
	switch {
	case item.PublishedParsed != nil:
		e.Published = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		e.Published = *item.UpdatedParsed
	}
	if item.Content != "" {
		e.Summary = plainText(item.Content)
	} else {
		e.Summary = plainText(item.Description)
	}
	return e, true
}

// plainText drops markup from a feed body and collapses whitespace.
func plainText(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
			b.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(html.UnescapeString(b.String())), " ")
}

// sourceName derives a short source label from a feed URL.
func sourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "blog.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return host
}
