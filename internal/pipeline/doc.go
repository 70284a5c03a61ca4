// Package pipeline defines the types shared by the scrape, publish, and
// rewrite stages of the story pipeline, along with the small collaborator
// interfaces (clock, hasher, blob store, fetcher) the stages depend on.
package pipeline
