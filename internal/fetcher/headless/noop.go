package headless

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

// ErrDisabled is returned by Noop.
var ErrDisabled = errors.New("headless rendering is disabled")

// Noop stands in for the headless fetcher when rendering is disabled, so
// sources with render: headless fail their scrape instead of silently
// falling back to static fetches.
type Noop struct{}

// NewNoop creates a Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always returns ErrDisabled.
func (Noop) Fetch(_ context.Context, request pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	return pipeline.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ErrDisabled)
}
