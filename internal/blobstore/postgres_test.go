package blobstore_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanmon/internal/blobstore"
	"github.com/ashita-ai/kanmon/internal/testutil"
)

var testContainer *testutil.PostgresContainer

func TestMain(m *testing.M) {
	testContainer = testutil.MustStartPostgres()
	code := m.Run()
	testContainer.Terminate(context.Background())
	os.Exit(code)
}

func newStore(t *testing.T) *blobstore.PostgresStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store, pool, err := testContainer.NewStore(context.Background(), logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return store
}

func TestPostgresStore_ReadMissing(t *testing.T) {
	store := newStore(t)
	_, ok, err := store.Read(context.Background(), "system://missing.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresStore_OptimisticUpdate_FirstWrite(t *testing.T) {
	store := newStore(t)
	path := fmt.Sprintf("test://%s.json", t.Name())

	next, err := store.OptimisticUpdate(context.Background(), path, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		require.False(t, exists)
		require.Nil(t, current)
		return json.RawMessage(`{"hits":1}`), nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"hits":1}`, string(next))

	value, ok, err := store.Read(context.Background(), path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"hits":1}`, string(value))
}

func TestPostgresStore_OptimisticUpdate_Idempotent(t *testing.T) {
	store := newStore(t)
	path := fmt.Sprintf("test://%s.json", t.Name())

	transform := func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		if exists {
			return current, nil // no-op: preserve whatever is already there
		}
		return json.RawMessage(`{"freeUntil":1000}`), nil
	}

	first, err := store.OptimisticUpdate(context.Background(), path, transform)
	require.NoError(t, err)
	second, err := store.OptimisticUpdate(context.Background(), path, transform)
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second), "second call must preserve the first write")
}

func TestPostgresStore_OptimisticUpdate_ConcurrentIncrements(t *testing.T) {
	store := newStore(t)
	path := fmt.Sprintf("test://%s.json", t.Name())

	type counter struct {
		N int `json:"n"`
	}

	const writers = 8
	var wg sync.WaitGroup
	var failures atomic.Int32
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := store.OptimisticUpdate(context.Background(), path, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
				var c counter
				if exists {
					if err := json.Unmarshal(current, &c); err != nil {
						return nil, err
					}
				}
				c.N++
				return json.Marshal(c)
			})
			if err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), failures.Load(), "all writers should eventually win under retry")

	value, ok, err := store.Read(context.Background(), path)
	require.NoError(t, err)
	require.True(t, ok)

	var final counter
	require.NoError(t, json.Unmarshal(value, &final))
	assert.Equal(t, writers, final.N, "every increment must be observed exactly once")
}
