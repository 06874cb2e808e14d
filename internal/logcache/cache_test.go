package logcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/crypto"
	"github.com/matryer/is"

	"github.com/harrybrwn/plc/plc"
)

func must[T any](v T, e error) T {
	if e != nil {
		panic(e)
	}
	return v
}

func didKey(k crypto.PrivateKey) string { return must(k.PublicKey()).DIDKey() }

func sampleLog(t *testing.T) (string, plc.Log) {
	t.Helper()
	signing := must(crypto.GeneratePrivateKeyK256())
	recovery := must(crypto.GeneratePrivateKeyK256())
	genesis, did, err := plc.CreateGenesis(signing, didKey(recovery), "sample.test", "https://pds.example.com")
	if err != nil {
		t.Fatal(err)
	}
	tip := must(plc.NewTip([]plc.Operation{genesis}))
	update := must(plc.UpdateHandle(tip, "sample2.test", signing))
	return did, plc.Log{genesis, update}
}

func newCache(t *testing.T, staleTTL, maxTTL time.Duration) *LogCache {
	t.Helper()
	c, err := Open(":memory:", staleTTL, maxTTL)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLogCache(t *testing.T) {
	ctx := t.Context()
	is := is.New(t)
	c := newCache(t, time.Second, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	did, log := sampleLog(t)

	_, err := c.Get(ctx, did)
	is.True(errors.Is(err, ErrMiss))
	var empty *plc.EmptyLogError
	is.True(errors.As(c.Put(ctx, did, nil), &empty))

	is.NoErr(c.Put(ctx, did, log))
	res, err := c.Get(ctx, did)
	is.NoErr(err)
	is.Equal(res.DID, did)
	is.Equal(res.Log, log)
	is.True(!res.Stale)
	is.True(!res.Expired)

	now = now.Add(2 * time.Second)
	res, err = c.Get(ctx, did)
	is.NoErr(err)
	is.True(res.Stale)
	is.True(!res.Expired)

	now = now.Add(time.Hour)
	res, err = c.Get(ctx, did)
	is.NoErr(err)
	is.True(res.Expired)

	// overwrite
	is.NoErr(c.Put(ctx, did, log[:1]))
	res, err = c.Get(ctx, did)
	is.NoErr(err)
	is.Equal(len(res.Log), 1)
	is.True(!res.Stale)

	n, err := c.Len(ctx)
	is.NoErr(err)
	is.Equal(n, 1)
	is.NoErr(c.ClearEntry(ctx, did))
	_, err = c.Get(ctx, did)
	is.True(errors.Is(err, ErrMiss))

	is.NoErr(c.Put(ctx, did, log))
	is.NoErr(c.Clear(ctx))
	n, err = c.Len(ctx)
	is.NoErr(err)
	is.Equal(n, 0)
}

type fakeSource struct {
	logs  map[string]plc.Log
	err   error
	calls int
}

func (f *fakeSource) GetOperationLog(_ context.Context, did string) (plc.Log, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.logs[did], nil
}

func TestResolver(t *testing.T) {
	ctx := t.Context()
	is := is.New(t)
	c := newCache(t, time.Second, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	did, log := sampleLog(t)
	src := fakeSource{logs: map[string]plc.Log{did: log}}
	r := NewResolver(&src, c, plc.DefaultPolicy)

	tip, err := r.ResolveTip(ctx, did)
	is.NoErr(err)
	is.Equal(tip.Len, 2)
	is.Equal(tip.Document.Handle, "sample2.test")
	is.Equal(src.calls, 1)

	// fresh, served from the cache
	_, err = r.ResolveLog(ctx, did)
	is.NoErr(err)
	is.Equal(src.calls, 1)

	// stale and the source is down
	now = now.Add(2 * time.Second)
	src.err = errors.New("offline")
	got, err := r.ResolveLog(ctx, did)
	is.NoErr(err)
	is.Equal(got, log)
	is.Equal(src.calls, 2)

	// expired and the source is down
	now = now.Add(time.Hour)
	_, err = r.ResolveLog(ctx, did)
	is.Equal(err, src.err)

	is.NoErr(r.Purge(ctx, did))
	src.err = nil
	_, err = r.ResolveLog(ctx, "did:plc:aaaaaaaaaaaaaaaaaaaaaaaa")
	var empty *plc.EmptyLogError
	is.True(errors.As(err, &empty))

	// a log served under the wrong DID
	src.logs["did:plc:bbbbbbbbbbbbbbbbbbbbbbbb"] = log
	_, err = r.ResolveLog(ctx, "did:plc:bbbbbbbbbbbbbbbbbbbbbbbb")
	var broken *plc.BrokenChainError
	is.True(errors.As(err, &broken))

	// tampered logs are never cached
	forged := *(log[1].(*plc.UpdateHandleOp))
	forged.Handle = "mallory.test"
	src.logs[did] = plc.Log{log[0], &forged}
	_, err = r.ResolveLog(ctx, did)
	is.True(err != nil)
	_, err = c.Get(ctx, did)
	is.True(errors.Is(err, ErrMiss))
}

func TestResolverStaleRejectsInvalidLog(t *testing.T) {
	ctx := t.Context()
	is := is.New(t)
	c := newCache(t, time.Second, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	did, log := sampleLog(t)
	src := fakeSource{logs: map[string]plc.Log{did: log}}
	r := NewResolver(&src, c, plc.DefaultPolicy)
	_, err := r.ResolveLog(ctx, did)
	is.NoErr(err)

	// stale, and the source now answers with a forged log
	now = now.Add(2 * time.Second)
	forged := *(log[1].(*plc.UpdateHandleOp))
	forged.Handle = "mallory.test"
	src.logs[did] = plc.Log{log[0], &forged}
	got, err := r.ResolveLog(ctx, did)
	is.True(err != nil)
	is.Equal(got, nil)
	is.True(isLogError(err))

	// stale, and the source says the DID has no operations
	delete(src.logs, did)
	_, err = r.ResolveLog(ctx, did)
	var empty *plc.EmptyLogError
	is.True(errors.As(err, &empty))

	// a transport failure still falls back to the stale entry
	src.err = errors.New("offline")
	got, err = r.ResolveLog(ctx, did)
	is.NoErr(err)
	is.Equal(got, log)
}
