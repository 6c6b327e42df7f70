package history

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startJetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("embedded NATS server not ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	js, err := nc.JetStream()
	require.NoError(t, err)
	return js
}

func TestKVStore_ObserveAndPeek(t *testing.T) {
	js := startJetStream(t)
	s, err := NewKVStore(js, KVOptions{Bucket: "login_history"})
	require.NoError(t, err)
	ctx := context.Background()

	first, err := s.Observe(ctx, "user@example.com", baseAttrs(), t0)
	require.NoError(t, err)
	assert.True(t, first.First)
	assert.Equal(t, FirstObservationSentinel, first.HoursSinceLast)

	moved := baseAttrs()
	moved.IP = "192.0.2.9"
	second, err := s.Observe(ctx, "user@example.com", moved, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, second.IPChanged)
	assert.False(t, second.CountryChanged)
	assert.InDelta(t, 2.0, second.HoursSinceLast, 1e-9)
	require.NotNil(t, second.Previous)
	assert.Equal(t, "10.0.0.1", second.Previous.IP)

	snap, ok, err := s.Peek(ctx, "user@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.9", snap.IP)

	_, ok, err = s.Peek(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVStore_SharedBetweenInstances(t *testing.T) {
	js := startJetStream(t)
	a, err := NewKVStore(js, KVOptions{Bucket: "shared"})
	require.NoError(t, err)
	b, err := NewKVStore(js, KVOptions{Bucket: "shared"})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Observe(ctx, "u1", baseAttrs(), t0)
	require.NoError(t, err)

	other := baseAttrs()
	other.Country = "JP"
	ind, err := b.Observe(ctx, "u1", other, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ind.First, "second instance must see the first instance's snapshot")
	assert.True(t, ind.CountryChanged)
}

func TestKVStore_Restore(t *testing.T) {
	js := startJetStream(t)
	s, err := NewKVStore(js, KVOptions{Bucket: "restore"})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Observe(ctx, "u1", baseAttrs(), t0)
	require.NoError(t, err)
	moved := baseAttrs()
	moved.Device = "mobile"
	ind, err := s.Observe(ctx, "u1", moved, t0.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.Restore(ctx, "u1", Snapshot{Attributes: moved, ObservedAt: t0.Add(time.Hour)}, ind.Previous))
	snap, ok, err := s.Peek(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "desktop", snap.Device)

	first, err := s.Observe(ctx, "u2", baseAttrs(), t0)
	require.NoError(t, err)
	require.NoError(t, s.Restore(ctx, "u2", Snapshot{Attributes: baseAttrs(), ObservedAt: t0}, first.Previous))
	_, ok, err = s.Peek(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := s.Observe(ctx, "u2", baseAttrs(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, again.First)
}

func TestKVStore_ConcurrentWritersNoLostUpdate(t *testing.T) {
	js := startJetStream(t)
	var conflicts int64
	s, err := NewKVStore(js, KVOptions{
		Bucket:     "contended",
		OnConflict: func() { atomic.AddInt64(&conflicts, 1) },
	})
	require.NoError(t, err)
	ctx := context.Background()

	const n = 8
	var firsts int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ind, err := s.Observe(ctx, "hot", baseAttrs(), t0.Add(time.Duration(i)*time.Minute))
			if err != nil {
				t.Error(err)
				return
			}
			if ind.First {
				atomic.AddInt64(&firsts, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), firsts)
}

func TestNewKVStore_RequiresBucket(t *testing.T) {
	js := startJetStream(t)
	_, err := NewKVStore(js, KVOptions{})
	assert.Error(t, err)
}
