// Package archive writes rewritten articles to a blob store as Markdown.
// Backends live in the gcs, local, and memory subpackages.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

// Archiver renders and stores articles.
type Archiver struct {
	store  pipeline.BlobStore
	hasher pipeline.Hasher
	clock  pipeline.Clock
	prefix string
}

// New creates an Archiver writing under prefix (default "articles").
func New(store pipeline.BlobStore, hasher pipeline.Hasher, clock pipeline.Clock, prefix string) (*Archiver, error) {
	if store == nil || hasher == nil || clock == nil {
		return nil, errors.New("archive requires a store, hasher, and clock")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "articles"
	}
	return &Archiver{store: store, hasher: hasher, clock: clock, prefix: prefix}, nil
}

// Render formats an article as Markdown with a small front matter block.
func Render(a pipeline.Article) []byte {
	var b bytes.Buffer
	b.WriteString("---\n")
	fmt.Fprintf(&b, "id: %q\n", a.RawID)
	fmt.Fprintf(&b, "title: %q\n", a.Title)
	if a.AuthorID != "" {
		fmt.Fprintf(&b, "author_id: %q\n", a.AuthorID)
	}
	if len(a.Tags) > 0 {
		fmt.Fprintf(&b, "tags: [%s]\n", strings.Join(quoteAll(a.Tags), ", "))
	}
	if a.Excerpt != "" {
		fmt.Fprintf(&b, "excerpt: %q\n", a.Excerpt)
	}
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n\n", a.Title)
	b.WriteString(strings.TrimSpace(a.Content))
	b.WriteString("\n")
	for _, img := range a.ImageLinks {
		fmt.Fprintf(&b, "\n![](%s)\n", img)
	}
	return b.Bytes()
}

func quoteAll(v []string) []string {
	out := make([]string, len(v))
	for i, s := range v {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}

// Store writes the article to <prefix>/<YYYY-MM-DD>/<sha256>.md and returns its URI.
func (a *Archiver) Store(ctx context.Context, article pipeline.Article) (string, error) {
	body := Render(article)
	digest, err := a.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash article: %w", err)
	}
	objectPath := path.Join(a.prefix, a.clock.Now().Format("2006-01-02"), digest+".md")
	uri, err := a.store.PutObject(ctx, objectPath, "text/markdown; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive article %s: %w", article.RawID, err)
	}
	return uri, nil
}
