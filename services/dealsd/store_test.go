package dealsd

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sponsorvault/core/types"
)

func TestStoreIdempotency(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	hash := hashRequest(http.MethodPost, "/v1/deals", []byte(`{"id":"a"}`))
	cached, err := store.LookupIdempotency(ctx, "caller", "k", hash)
	require.NoError(t, err)
	require.Nil(t, cached)

	require.NoError(t, store.SaveIdempotency(ctx, "caller", "k", hash, http.StatusCreated, []byte(`{"ok":true}`)))
	cached, err = store.LookupIdempotency(ctx, "caller", "k", hash)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, cached.Status)
	require.JSONEq(t, `{"ok":true}`, string(cached.Body))

	// keys are scoped per caller
	cached, err = store.LookupIdempotency(ctx, "someone-else", "k", hash)
	require.NoError(t, err)
	require.Nil(t, cached)

	other := hashRequest(http.MethodPost, "/v1/deals", []byte(`{"id":"b"}`))
	_, err = store.LookupIdempotency(ctx, "caller", "k", other)
	require.ErrorIs(t, err, ErrIdempotencyMismatch)

	pruned, err := store.PruneIdempotency(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)
	cached, err = store.LookupIdempotency(ctx, "caller", "k", hash)
	require.NoError(t, err)
	require.Nil(t, cached)
}

func TestStoreAuditNewestFirst(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	for i, path := range []string{"/v1/deals", "/v1/deals/a/fund", "/v1/admin/pause"} {
		require.NoError(t, store.InsertAuditLog(ctx, AuditEntry{
			Caller: "0xc0",
			Method: http.MethodPost,
			Path:   path,
			Status: http.StatusOK + i,
		}))
	}
	entries, err := store.RecentAudit(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "/v1/admin/pause", entries[0].Path)
	require.Equal(t, "/v1/deals/a/fund", entries[1].Path)
	require.False(t, entries[0].Timestamp.IsZero())
}

func TestJournalAppendAndPage(t *testing.T) {
	journal, err := OpenJournal("sqlite", filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer journal.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "a"} {
		_, err := journal.Append(ctx, &types.Event{Type: "deals.created", Attributes: map[string]string{"dealId": id, "amount": "5"}})
		require.NoError(t, err)
	}
	_, err = journal.Append(ctx, &types.Event{Type: "deals.paused", Attributes: map[string]string{"by": "0xc0"}})
	require.NoError(t, err)

	all, err := journal.Since(ctx, 0, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, uint64(1), all[0].Seq)
	require.Equal(t, "5", all[0].Attributes["amount"])
	require.Empty(t, all[3].DealID)

	onlyA, err := journal.Since(ctx, 0, "a", 0)
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	require.Equal(t, uint64(3), onlyA[1].Seq)

	page, err := journal.Since(ctx, 1, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, uint64(2), page[0].Seq)
	require.Equal(t, uint64(3), page[1].Seq)

	_, err = journal.Append(ctx, nil)
	require.Error(t, err)
}

func TestOpenJournalRejectsUnknownDriver(t *testing.T) {
	_, err := OpenJournal("mysql", "dsn")
	require.Error(t, err)
}
