package crawler

import "errors"

var (
	// ErrSession marks fatal session-scoped failures: the browser failed to
	// start or the search view could not be reached.
	ErrSession = errors.New("session error")
	// ErrNavigation marks a detail page that failed to load.
	ErrNavigation = errors.New("navigation error")
	// ErrNoPrimaryHeading marks a detail page without a usable heading.
	ErrNoPrimaryHeading = errors.New("no primary heading")
	// ErrEnrichment marks a failed website fetch.
	ErrEnrichment = errors.New("enrichment error")
	// ErrScroll marks a failed pagination step.
	ErrScroll = errors.New("scroll error")
	// ErrNoResults marks a search view with neither a result list nor a single result.
	ErrNoResults = errors.New("no results")
	// ErrInvalidRequest marks a rejected SearchRequest.
	ErrInvalidRequest = errors.New("invalid request")
)
