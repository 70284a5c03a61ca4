// Package destination defines the store that receives raw items and
// rewritten articles. Implementations live in the http, postgres, and memory
// subpackages.
package destination

import (
	"context"
	"errors"

	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

// ErrNotFound is returned by GetRaw when the id is unknown.
var ErrNotFound = errors.New("raw record not found")

// Destination is the publish target.
type Destination interface {
	// CreateRaw stores a scraped item and returns its id.
	CreateRaw(ctx context.Context, item pipeline.CandidateItem) (string, error)
	GetRaw(ctx context.Context, id string) (pipeline.RawRecord, error)
	// MarkFailed flags a raw record as failed with the given trial count.
	MarkFailed(ctx context.Context, id string, trials int) error
	CreateArticle(ctx context.Context, article pipeline.Article) error
}
