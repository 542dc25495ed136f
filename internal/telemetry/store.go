package telemetry

import "context"

// Store is the persistence collaborator for the attribution pipeline. The
// production implementation talks to the collector service over HTTP; the
// collector itself implements the same contract over PostgreSQL. Every call
// may fail or be slow; callers treat failures as best-effort losses.
type Store interface {
	// InsertView records a view event and returns its storage identifier.
	InsertView(ctx context.Context, event ViewEvent) (string, error)

	// UpdateViewDuration fills in the dwell duration for the view keyed by
	// (itemID, sessionID). Called at most once per view.
	UpdateViewDuration(ctx context.Context, itemID, sessionID string, durationSeconds int64) error

	// InsertSearch records a search event and returns its storage identifier.
	InsertSearch(ctx context.Context, event SearchEvent) (string, error)

	// UpdateSearchClick attaches click attribution to a stored search event.
	UpdateSearchClick(ctx context.Context, searchID, itemID string, position int, timeToClickMs int64) error

	// UpdateSearchAbandonment marks a stored search event as abandoned with
	// the measured dwell time.
	UpdateSearchAbandonment(ctx context.Context, searchID string, dwellMs int64) error

	// QuerySearchSuggestions returns up to limit distinct prior successful
	// query texts matching the given prefix.
	QuerySearchSuggestions(ctx context.Context, prefix string, limit int) ([]string, error)
}
