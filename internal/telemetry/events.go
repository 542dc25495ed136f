// Package telemetry defines the domain types shared by the client-side
// attribution pipeline and the collector service: sessions, view and search
// events, queued delivery records, and the persistence contract.
package telemetry

import "time"

// ViewSource classifies how a visitor arrived at a content item.
type ViewSource string

const (
	SourceSearch   ViewSource = "search"
	SourceBrowse   ViewSource = "browse"
	SourceDirect   ViewSource = "direct"
	SourceShare    ViewSource = "share"
	SourceExternal ViewSource = "external"
)

// SearchType classifies a query submission relative to the previous one.
type SearchType string

const (
	SearchInitial   SearchType = "initial"
	SearchRefined   SearchType = "refined"
	SearchPaginated SearchType = "paginated"
)

// Session is a snapshot of the per-tab session and its environment.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Referrer  string    `json:"referrer,omitempty"`
	URL       string    `json:"url,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Viewport  Viewport  `json:"viewport"`
}

// Viewport holds the client viewport dimensions at snapshot time.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ViewEvent records one content item being displayed during one session.
// DurationSeconds is the only field mutated after creation, and at most once.
type ViewEvent struct {
	ItemID          string     `json:"item_id"`
	Category        string     `json:"category,omitempty"`
	SessionID       string     `json:"session_id"`
	Source          ViewSource `json:"source"`
	Referrer        string     `json:"referrer,omitempty"`
	Viewport        Viewport   `json:"viewport"`
	CreatedAt       time.Time  `json:"created_at"`
	DurationSeconds int64      `json:"duration_seconds,omitempty"`
}

// SearchEvent records one tracked query submission. The click-attribution
// fields stay unset until a result click is joined back to the event.
type SearchEvent struct {
	Query           string            `json:"query"`
	NormalizedQuery string            `json:"normalized_query"`
	ResultCount     int               `json:"result_count"`
	Location        string            `json:"location,omitempty"`
	Filters         map[string]string `json:"filters,omitempty"`
	Type            SearchType        `json:"type"`
	Failed          bool              `json:"failed"`
	SessionID       string            `json:"session_id"`
	DurationMs      int64             `json:"search_duration_ms"`
	CreatedAt       time.Time         `json:"created_at"`

	ClickedItemID   string `json:"clicked_item_id,omitempty"`
	ClickedPosition int    `json:"clicked_position,omitempty"`
	TimeToClickMs   int64  `json:"time_to_click_ms,omitempty"`
}

// GapEvent is the content-gap notation emitted for a failed search, consumed
// by the gap worker for later analysis.
type GapEvent struct {
	Query       string    `json:"query"`
	ResultCount int       `json:"result_count"`
	SessionID   string    `json:"session_id"`
	Refinements int       `json:"refinements"`
	Timestamp   time.Time `json:"timestamp"`
}

// RecordKind identifies the payload type of a QueuedRecord.
type RecordKind string

const (
	KindView   RecordKind = "view"
	KindSearch RecordKind = "search"
	KindGap    RecordKind = "gap"
)

// QueuedRecord is a pending telemetry record awaiting batched delivery.
// Records are held only in memory and are lost if the process terminates
// before a flush.
type QueuedRecord struct {
	Kind     RecordKind `json:"kind"`
	Payload  any        `json:"payload"`
	QueuedAt time.Time  `json:"queued_at"`
}
