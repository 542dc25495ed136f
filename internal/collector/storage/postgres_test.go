package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/oaklinehq/content-telemetry/internal/telemetry"
	apperrors "github.com/oaklinehq/content-telemetry/pkg/errors"
	"github.com/oaklinehq/content-telemetry/pkg/postgres"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("creating sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(&postgres.Client{DB: db}), mock
}

func TestInsertViewReturnsID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO view_events")).
		WithArgs(sqlmock.AnyArg(), "item-1", "essays", "s-1", "direct", "", 1280, 720, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("11111111-1111-1111-1111-111111111111"))

	id, err := store.InsertView(context.Background(), telemetry.ViewEvent{
		ItemID:    "item-1",
		Category:  "essays",
		SessionID: "s-1",
		Source:    telemetry.SourceDirect,
		Viewport:  telemetry.Viewport{Width: 1280, Height: 720},
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertView: %v", err)
	}
	if id != "11111111-1111-1111-1111-111111111111" {
		t.Errorf("unexpected id %q", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateViewDurationSuppressedIsNotError(t *testing.T) {
	store, mock := newMockStore(t)

	// Zero rows affected: the duration was already written once.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE view_events")).
		WithArgs("item-1", "s-1", int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.UpdateViewDuration(context.Background(), "item-1", "s-1", 12); err != nil {
		t.Errorf("expected suppressed update to succeed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertSearchEncodesFilters(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO search_events")).
		WithArgs(sqlmock.AnyArg(), "Bias", "bias", 4, "library", []byte(`{"category":"essays"}`),
			"initial", false, "s-1", int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := store.InsertSearch(context.Background(), telemetry.SearchEvent{
		Query:           "Bias",
		NormalizedQuery: "bias",
		ResultCount:     4,
		Location:        "library",
		Filters:         map[string]string{"category": "essays"},
		Type:            telemetry.SearchInitial,
		SessionID:       "s-1",
		CreatedAt:       time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertSearch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateSearchClickMissingRecord(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE search_events")).
		WithArgs("missing", "X", 2, int64(1500)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateSearchClick(context.Background(), "missing", "X", 2, 1500)
	if !errors.Is(err, apperrors.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestQuerySearchSuggestions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT normalized_query")).
		WithArgs("bi", 5).
		WillReturnRows(sqlmock.NewRows([]string{"normalized_query"}).
			AddRow("bias").
			AddRow("biases in decision making"))

	got, err := store.QuerySearchSuggestions(context.Background(), "bi", 5)
	if err != nil {
		t.Fatalf("QuerySearchSuggestions: %v", err)
	}
	if len(got) != 2 || got[0] != "bias" {
		t.Errorf("unexpected suggestions %v", got)
	}
}

func TestQuerySearchSuggestionsEscapesWildcards(t *testing.T) {
	store, mock := newMockStore(t)

	// A prefix containing LIKE metacharacters must be bound literally.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT normalized_query")).
		WithArgs(`100\% proof\\n\_`, 5).
		WillReturnRows(sqlmock.NewRows([]string{"normalized_query"}))

	if _, err := store.QuerySearchSuggestions(context.Background(), `100% proof\n_`, 5); err != nil {
		t.Fatalf("QuerySearchSuggestions: %v", err)
	}
}
