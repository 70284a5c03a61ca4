package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/story-pipeline/internal/destination"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

type fixedIDs string

func (f fixedIDs) NewID() (string, error) {
	return string(f), nil
}

func newStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, fixedIDs("raw-1"), "", "")
	require.NoError(t, err)
	return store, mock
}

func TestCreateRawReturnsStoredID(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	item := pipeline.CandidateItem{Link: "https://news.example.com/a", Title: "A", SourceConfigID: "daily"}
	data, err := json.Marshal(item)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO raw_items (id,link,data) VALUES ($1,$2,$3) ON CONFLICT (link)")).
		WithArgs("raw-1", item.Link, data).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("existing-7"))

	id, err := store.CreateRaw(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, "existing-7", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRaw(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, link, data, failed_to_process, trial_times FROM raw_items WHERE id = $1")).
		WithArgs("raw-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "link", "data", "failed_to_process", "trial_times"}).
			AddRow("raw-1", "https://a", []byte(`{"link":"https://a","title":"A","processor":"daily"}`), true, 1))

	rec, err := store.GetRaw(context.Background(), "raw-1")
	require.NoError(t, err)
	require.Equal(t, "daily", rec.Data.SourceConfigID)
	require.True(t, rec.FailedToProcess)
	require.Equal(t, 1, rec.TrialTimes)

	mock.ExpectQuery("SELECT id").WithArgs("gone").WillReturnError(pgx.ErrNoRows)
	_, err = store.GetRaw(context.Background(), "gone")
	require.ErrorIs(t, err, destination.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE raw_items SET failed_to_process = $1, trial_times = $2 WHERE id = $3")).
		WithArgs(true, 2, "raw-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkFailed(context.Background(), "raw-1", 2))

	mock.ExpectExec("UPDATE raw_items").
		WithArgs(true, 1, "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, store.MarkFailed(context.Background(), "gone", 1), destination.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateArticle(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	article := pipeline.Article{
		RawID:   "raw-1",
		Title:   "Storm Hits City",
		Content: "body",
		Tags:    []string{"weather", "storm"},
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO articles (raw_id,title,author_id,content,sub_menu_list_id,tags,excerpt,image_links,archive_uri)")).
		WithArgs("raw-1", "Storm Hits City", "", "body", "", []byte(`["weather","storm"]`), "", []byte(`[]`), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateArticle(context.Background(), article))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS raw_items").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS articles").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, fixedIDs("x"), "raw; DROP", "")
	require.Error(t, err)
	_, err = NewWithPool(mock, nil, "", "")
	require.Error(t, err)
}
