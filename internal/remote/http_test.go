package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outbox/internal/record"
)

func newTestServer(t *testing.T, opts ...BackendOption) (*Backend, *Client) {
	t.Helper()
	b := NewBackend(opts...)
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return b, NewClient(srv.URL, WithTimeout(2*time.Second))
}

func sequentialIDs(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i]
		i++
		return id
	}
}

func TestClient_CreateAssignsVersionOne(t *testing.T) {
	b, c := newTestServer(t, WithIDFunc(sequentialIDs("t1")))

	e, err := c.Create(context.Background(), Request{
		IdempotencyKey: "k1",
		EntityType:     record.EntityTeam,
		Data:           record.Snapshot{"name": "Rovers"},
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", e.ID)
	assert.Equal(t, int64(1), e.Version)
	assert.Equal(t, "Rovers", e.Data["name"])

	stored, ok := b.Get(record.EntityTeam, "t1")
	require.True(t, ok)
	assert.Equal(t, int64(1), stored.Version)
}

func TestClient_CreateIdempotentReplay(t *testing.T) {
	b, c := newTestServer(t, WithIDFunc(sequentialIDs("t1", "t2")))
	ctx := context.Background()
	req := Request{IdempotencyKey: "k1", EntityType: record.EntityTeam, Data: record.Snapshot{"name": "Rovers"}}

	first, err := c.Create(ctx, req)
	require.NoError(t, err)
	second, err := c.Create(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	_, ok := b.Get(record.EntityTeam, "t2")
	assert.False(t, ok, "replayed create must not insert twice")
}

func TestClient_UpdatePartialBumpsVersion(t *testing.T) {
	b, c := newTestServer(t)
	b.Put(record.EntityMatch, "m1", record.Snapshot{"homeScore": float64(0), "awayScore": float64(0)})

	e, err := c.Update(context.Background(), Request{
		IdempotencyKey:  "k1",
		EntityType:      record.EntityMatch,
		EntityID:        "m1",
		Data:            record.Snapshot{"homeScore": float64(2)},
		ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Version)
	assert.Equal(t, float64(2), e.Data["homeScore"])
	assert.Equal(t, float64(0), e.Data["awayScore"])
}

func TestClient_UpdateConflict(t *testing.T) {
	b, c := newTestServer(t)
	b.Put(record.EntityMatch, "m1", record.Snapshot{"homeScore": float64(0)})
	b.Put(record.EntityMatch, "m1", record.Snapshot{"homeScore": float64(0), "awayScore": float64(3)})

	_, err := c.Update(context.Background(), Request{
		IdempotencyKey:  "k1",
		EntityType:      record.EntityMatch,
		EntityID:        "m1",
		Data:            record.Snapshot{"homeScore": float64(2)},
		ExpectedVersion: 1,
	})
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))

	ce, ok := AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, int64(2), ce.CurrentVersion)
	assert.Equal(t, float64(3), ce.CurrentData["awayScore"])
}

func TestClient_ConflictIsNotCached(t *testing.T) {
	b, c := newTestServer(t)
	b.Put(record.EntityMatch, "m1", record.Snapshot{})
	b.Put(record.EntityMatch, "m1", record.Snapshot{})
	ctx := context.Background()

	req := Request{IdempotencyKey: "k1", EntityType: record.EntityMatch, EntityID: "m1", Data: record.Snapshot{"venue": "Park"}, ExpectedVersion: 1}
	_, err := c.Update(ctx, req)
	require.True(t, IsConflict(err))

	req.ExpectedVersion = 2
	e, err := c.Update(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Version)
}

func TestClient_DeleteThenMissing(t *testing.T) {
	b, c := newTestServer(t)
	b.Put(record.EntityPlayer, "p1", record.Snapshot{"name": "Ada"})
	ctx := context.Background()

	require.NoError(t, c.Delete(ctx, Request{IdempotencyKey: "k1", EntityType: record.EntityPlayer, EntityID: "p1"}))
	_, ok := b.Get(record.EntityPlayer, "p1")
	assert.False(t, ok)

	err := c.Delete(ctx, Request{IdempotencyKey: "k2", EntityType: record.EntityPlayer, EntityID: "p1"})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestClient_InjectedFailures(t *testing.T) {
	b, c := newTestServer(t)
	b.FailNext(http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusUnprocessableEntity)
	ctx := context.Background()
	req := Request{IdempotencyKey: "k1", EntityType: record.EntityTeam, Data: record.Snapshot{"name": "Rovers"}}

	_, err := c.Create(ctx, req)
	assert.Equal(t, KindTransient, KindOf(err))

	_, err = c.Create(ctx, req)
	assert.Equal(t, KindTransient, KindOf(err))

	_, err = c.Create(ctx, req)
	assert.Equal(t, KindValidation, KindOf(err))

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusUnprocessableEntity, re.StatusCode)

	_, err = c.Create(ctx, req)
	assert.NoError(t, err)
}

func TestClient_SendsIdempotencyKey(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(IdempotencyHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	require.NoError(t, c.Delete(context.Background(), Request{IdempotencyKey: "mut-42", EntityType: record.EntityTeam, EntityID: "t1"}))
	assert.Equal(t, "mut-42", got)
}

func TestClient_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, WithTimeout(time.Second))
	_, err := c.Create(context.Background(), Request{EntityType: record.EntityTeam, Data: record.Snapshot{}})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestClient_Health(t *testing.T) {
	_, c := newTestServer(t)
	assert.NoError(t, c.Health(context.Background()))
}

func TestBackend_UnknownCollection(t *testing.T) {
	b := NewBackend()
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stadiums")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCollection(t *testing.T) {
	for _, et := range record.EntityTypes {
		c, err := Collection(et)
		require.NoError(t, err)
		back, ok := EntityTypeFor(c)
		require.True(t, ok)
		assert.Equal(t, et, back)
	}
	_, err := Collection(record.EntityType("stadium"))
	assert.Error(t, err)
}
