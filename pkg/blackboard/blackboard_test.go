package blackboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoardWrite(t *testing.T) {
	b := New()

	_, err := b.Write("alice", "topic", "go")
	require.NoError(t, err)
	rec, err := b.Write("bob", "topic", "rust")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Seq)

	entry, ok := b.Get("topic")
	require.True(t, ok)
	assert.Equal(t, "rust", entry.Value)
	assert.Equal(t, "bob", entry.Writer)
	assert.Equal(t, 2, entry.Version)

	history := b.History()
	require.Len(t, history, 2)
	assert.Equal(t, "go", history[0].Value)
	assert.Equal(t, "rust", history[1].Value)

	_, err = b.Write("alice", "", "x")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestBoardUpdate(t *testing.T) {
	b := New()

	t.Run("skip leaves no history", func(t *testing.T) {
		wrote, err := b.Update("alice", "k", func(cur interface{}, exists bool) (interface{}, bool, error) {
			return nil, false, nil
		})
		require.NoError(t, err)
		assert.False(t, wrote)
		assert.Zero(t, b.Written())
	})

	t.Run("error leaves no history", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := b.Update("alice", "k", func(cur interface{}, exists bool) (interface{}, bool, error) {
			return "x", true, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, b.Written())
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		const writers, perWriter = 8, 50
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					_, err := b.Update(fmt.Sprintf("w%d", w), "counter", func(cur interface{}, exists bool) (interface{}, bool, error) {
						n := 0
						if exists {
							n = cur.(int)
						}
						return n + 1, true, nil
					})
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		entry, ok := b.Get("counter")
		require.True(t, ok)
		assert.Equal(t, writers*perWriter, entry.Value)

		history := b.History()
		require.Len(t, history, writers*perWriter)
		for i, rec := range history {
			assert.Equal(t, i+1, rec.Seq)
			assert.Equal(t, i+1, rec.Value)
		}
	})
}

func TestBoardSnapshots(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := New(WithClock(func() time.Time { return fixed }))
	_, _ = b.Write("a", "x", "1")
	_, _ = b.Write("b", "y", "2")
	_, _ = b.Write("a", "x", "3")

	snap := b.Snapshot()
	_, _ = b.Write("c", "z", "4")
	assert.Len(t, snap, 2, "snapshot is a copy")
	assert.Equal(t, fixed, snap["x"].UpdatedAt)

	assert.Equal(t, []string{"x", "y", "z"}, b.Keys())
	assert.Equal(t, 3, b.Len())
	assert.Len(t, b.HistorySince(2), 2)
	assert.Nil(t, b.HistorySince(10))

	var buf bytes.Buffer
	require.NoError(t, b.ExportJSON(&buf))
	var dump Dump
	require.NoError(t, json.Unmarshal(buf.Bytes(), &dump))
	assert.Len(t, dump.Entries, 3)
	assert.Len(t, dump.History, 4)
}

func setupExporter(t *testing.T) (*RedisExporter, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	exporter := NewRedisExporterFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", time.Hour)
	t.Cleanup(func() { exporter.Close() })
	return exporter, mr
}

func TestRedisExporter(t *testing.T) {
	ctx := context.Background()

	t.Run("export and load", func(t *testing.T) {
		exporter, mr := setupExporter(t)
		b := New()
		_, _ = b.Write("alice", "summary", "draft")
		_, _ = b.Write("bob", "summary", "final")
		_, _ = b.Write("bob", "sources", "docs")

		require.NoError(t, exporter.Export(ctx, "run-1", b))
		assert.True(t, mr.Exists(BoardKey("test", "run-1")))
		assert.True(t, mr.Exists(HistoryKey("test", "run-1")))
		assert.Equal(t, time.Hour, mr.TTL(BoardKey("test", "run-1")))

		dump, err := exporter.Load(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "final", dump.Entries["summary"].Value)
		assert.Equal(t, "bob", dump.Entries["summary"].Writer)
		require.Len(t, dump.History, 3)
		assert.Equal(t, "draft", dump.History[0].Value)
	})

	t.Run("re-export replaces", func(t *testing.T) {
		exporter, _ := setupExporter(t)
		first := New()
		_, _ = first.Write("a", "old", "1")
		require.NoError(t, exporter.Export(ctx, "run", first))

		second := New()
		_, _ = second.Write("a", "new", "2")
		require.NoError(t, exporter.Export(ctx, "run", second))

		dump, err := exporter.Load(ctx, "run")
		require.NoError(t, err)
		assert.NotContains(t, dump.Entries, "old")
		assert.Len(t, dump.History, 1)
	})

	t.Run("unknown run is empty", func(t *testing.T) {
		exporter, _ := setupExporter(t)
		dump, err := exporter.Load(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, dump.Entries)
		assert.Empty(t, dump.History)
	})

	t.Run("empty run id", func(t *testing.T) {
		exporter, _ := setupExporter(t)
		assert.Error(t, exporter.Export(ctx, "", New()))
	})

	t.Run("connection failure", func(t *testing.T) {
		cfg := DefaultRedisConfig()
		cfg.Port = 1
		_, err := NewRedisExporter(cfg)
		assert.Error(t, err)
	})
}
