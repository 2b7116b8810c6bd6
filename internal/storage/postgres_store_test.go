package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/AIShowrunner/internal/models"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

var pgKey = models.SectionKey{UserID: "u1", StoryBibleID: "b1", Scope: "episode-3", Section: "budget"}

func TestPostgresSaveSectionUpserts(t *testing.T) {
	db, mock := newMockDB(t)
	store := &PostgresSectionStore{db: db}

	mock.ExpectExec("INSERT INTO sections .+ ON CONFLICT").
		WithArgs("u1", "b1", "episode-3", "budget", []byte(`{"lineItems":null,"total":1200}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SaveSection(context.Background(), pgKey, &models.BudgetPayload{Total: 1200})
	require.NoError(t, err)
}

func TestPostgresLoadSection(t *testing.T) {
	db, mock := newMockDB(t)
	store := &PostgresSectionStore{db: db}

	mock.ExpectQuery("SELECT payload FROM sections WHERE").
		WithArgs("u1", "b1", "episode-3", "budget").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(`{"total":99.5,"currency":"USD"}`)))

	var got models.BudgetPayload
	require.NoError(t, store.LoadSection(context.Background(), pgKey, &got))
	assert.Equal(t, 99.5, got.Total)
	assert.Equal(t, "USD", got.Currency)
}

func TestPostgresLoadSectionNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	store := &PostgresSectionStore{db: db}

	mock.ExpectQuery("SELECT payload FROM sections WHERE").
		WithArgs("u1", "b1", "episode-3", "budget").
		WillReturnError(sql.ErrNoRows)

	var got models.BudgetPayload
	assert.ErrorIs(t, store.LoadSection(context.Background(), pgKey, &got), ErrSectionNotFound)
}

func TestPostgresListSections(t *testing.T) {
	db, mock := newMockDB(t)
	store := &PostgresSectionStore{db: db}

	mock.ExpectQuery("SELECT scope, section FROM sections").
		WithArgs("u1", "b1", "").
		WillReturnRows(sqlmock.NewRows([]string{"scope", "section"}).
			AddRow("arc-0", "marketing").
			AddRow("episode-3", "budget"))

	keys, err := store.ListSections(context.Background(), SectionPrefix{UserID: "u1", StoryBibleID: "b1"})
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, models.SectionKey{UserID: "u1", StoryBibleID: "b1", Scope: "arc-0", Section: "marketing"}, keys[0])
	assert.Equal(t, pgKey, keys[1])
}

func TestPostgresSaveRejectsInvalidKey(t *testing.T) {
	db, _ := newMockDB(t)
	store := &PostgresSectionStore{db: db}

	err := store.SaveSection(context.Background(), models.SectionKey{UserID: "u1"}, map[string]int{})
	assert.Error(t, err)
}
