package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/crypto"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matryer/is"

	"github.com/harrybrwn/plc/internal/logstore"
	"github.com/harrybrwn/plc/plc"
	"github.com/harrybrwn/plc/pubsub"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func newKey(t *testing.T) *crypto.PrivateKeyK256 {
	t.Helper()
	return must(crypto.GeneratePrivateKeyK256())
}

func didKey(k crypto.PrivateKey) string {
	return must(k.PublicKey()).DIDKey()
}

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	client *plc.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conf := Config{
		Version:      "test",
		Database:     ":memory:",
		ExportLimit:  2,
		StreamBuffer: 16,
	}
	conf.InitDefaults()
	if err := conf.Validate(); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Open(t.Context(), &conf, logger)
	if err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
	})
	client, err := plc.NewClient(hs.URL, plc.WithLogger(logger), plc.WithRetries(0))
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{srv: srv, http: hs, client: client}
}

func (e *testEnv) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	res, err := http.Get(e.http.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res.StatusCode, b
}

func TestServerLifecycle(t *testing.T) {
	is := is.New(t)
	ctx := t.Context()
	env := newTestEnv(t)
	is.NoErr(env.client.Health(ctx))

	signing, recovery := newKey(t), newKey(t)
	did, err := env.client.CreateDID(ctx, signing, didKey(recovery), "alice.test", "https://pds.example.com")
	is.NoErr(err)
	is.True(strings.HasPrefix(did, plc.DIDPrefix))

	data, err := env.client.GetDocumentData(ctx, did)
	is.NoErr(err)
	is.Equal(data.DID, did)
	is.Equal(data.Handle, "alice.test")
	is.Equal(data.SigningKey, didKey(signing))
	is.Equal(data.RecoveryKey, didKey(recovery))

	doc, err := env.client.GetDocument(ctx, did)
	is.NoErr(err)
	is.Equal(doc.ID.String(), did)
	is.Equal(doc.AlsoKnownAs, []string{"at://alice.test"})
	is.Equal(len(doc.VerificationMethod), 2)
	is.Equal(len(doc.Service), 1)
	is.Equal(doc.Service[0].ServiceEndpoint, "https://pds.example.com")

	tip, err := env.client.ResolveTip(ctx, did)
	is.NoErr(err)
	is.Equal(tip.Len, 1)

	newSigning := newKey(t)
	tip, err = env.client.RotateSigningKey(ctx, tip, didKey(newSigning), signing)
	is.NoErr(err)
	tip, err = env.client.UpdateHandle(ctx, tip, "alice2.test", newSigning)
	is.NoErr(err)
	tip, err = env.client.UpdateAtpPds(ctx, tip, "https://pds2.example.com", recovery)
	is.NoErr(err)
	newRecovery := newKey(t)
	tip, err = env.client.RotateRecoveryKey(ctx, tip, didKey(newRecovery), recovery)
	is.NoErr(err)
	is.Equal(tip.Len, 5)

	resolved, err := env.client.ResolveTip(ctx, did)
	is.NoErr(err)
	is.True(resolved.CID.Equals(tip.CID))
	is.Equal(*resolved.Document, plc.Document{
		DID:         did,
		SigningKey:  didKey(newSigning),
		RecoveryKey: didKey(newRecovery),
		Handle:      "alice2.test",
		AtpPds:      "https://pds2.example.com",
	})

	status, body := env.get(t, "/log/audit/"+did)
	is.Equal(status, http.StatusOK)
	var audit []logstore.Entry
	is.NoErr(json.Unmarshal(body, &audit))
	is.Equal(len(audit), 5)
	is.Equal(audit[4].CID.String(), tip.CID.String())
	for i, e := range audit {
		is.Equal(e.Index, i)
		is.Equal(e.DID, did)
	}

	status, body = env.get(t, "/log/last/"+did)
	is.Equal(status, http.StatusOK)
	last, err := plc.ParseOperationJSON(body)
	is.NoErr(err)
	is.Equal(last.Kind(), plc.KindRotateRecoveryKey)
	is.Equal(must(plc.CIDForOperation(last)).String(), tip.CID.String())
}

func TestServerPrecursorMismatch(t *testing.T) {
	is := is.New(t)
	ctx := t.Context()
	env := newTestEnv(t)
	signing := newKey(t)
	did, err := env.client.CreateDID(ctx, signing, didKey(newKey(t)), "bob.test", "https://pds.example.com")
	is.NoErr(err)
	tip, err := env.client.ResolveTip(ctx, did)
	is.NoErr(err)

	const writers = 6
	var (
		wg   sync.WaitGroup
		ops  = make([]plc.Operation, writers)
		errs = make([]error, writers)
	)
	for i := range ops {
		ops[i] = must(plc.RotateSigningKey(tip, didKey(newKey(t)), signing))
	}
	for i := range ops {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.client.SendOperation(ctx, did, ops[i])
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var mismatch *plc.PrecursorMismatchError
		is.True(errors.As(err, &mismatch))
	}
	is.Equal(winners, 1)

	log, err := env.client.GetOperationLog(ctx, did)
	is.NoErr(err)
	is.Equal(len(log), 2)

	// the loser rebuilds on the new tip
	next, err := env.client.Apply(ctx, did, &plc.UpdateHandleOp{Handle: "bob2.test"}, signing, 3)
	var verr *plc.ValidationError
	is.True(errors.As(err, &verr)) // signing key was rotated away
	is.True(next == nil)
}

func TestServerErrors(t *testing.T) {
	is := is.New(t)
	ctx := t.Context()
	env := newTestEnv(t)
	unknown := "did:plc:aaaaaaaaaaaaaaaaaaaaaaaa"

	for _, tt := range []struct {
		path   string
		status int
		code   Code
	}{
		{"/" + unknown, http.StatusNotFound, NotFound},
		{"/data/" + unknown, http.StatusNotFound, NotFound},
		{"/log/" + unknown, http.StatusNotFound, NotFound},
		{"/log/audit/" + unknown, http.StatusNotFound, NotFound},
		{"/log/last/" + unknown, http.StatusNotFound, NotFound},
		{"/not-a-did", http.StatusBadRequest, InvalidRequest},
		{"/data/did:web:example.com", http.StatusBadRequest, InvalidRequest},
		{"/export?count=zero", http.StatusBadRequest, InvalidRequest},
		{"/export?after=-1", http.StatusBadRequest, InvalidRequest},
	} {
		status, body := env.get(t, tt.path)
		is.Equal(status, tt.status)
		var res ErrorResponse
		is.NoErr(json.Unmarshal(body, &res))
		is.Equal(res.Code, tt.code)
		is.True(len(res.Message) > 0)
	}

	log, err := env.client.GetOperationLog(ctx, unknown)
	is.NoErr(err)
	is.Equal(len(log), 0)
	_, err = env.client.GetDocumentData(ctx, unknown)
	var empty *plc.EmptyLogError
	is.True(errors.As(err, &empty))

	post := func(did, body string) (int, ErrorResponse) {
		res, err := http.Post(env.http.URL+"/"+did, "application/json", strings.NewReader(body))
		is.NoErr(err)
		defer res.Body.Close()
		var e ErrorResponse
		_ = json.NewDecoder(res.Body).Decode(&e)
		return res.StatusCode, e
	}
	status, res := post(unknown, `{"type":"nope"}`)
	is.Equal(status, http.StatusBadRequest)
	is.Equal(res.Code, InvalidRequest)
	status, _ = post(unknown, `not json`)
	is.Equal(status, http.StatusBadRequest)

	signing := newKey(t)
	genesis, did, err := plc.CreateGenesis(signing, didKey(newKey(t)), "carol.test", "https://pds.example.com")
	is.NoErr(err)
	forged := *genesis
	forged.Handle = "mallory.test"
	err = env.client.SendOperation(ctx, did, &forged)
	var verr *plc.ValidationError
	is.True(errors.As(err, &verr))

	// an update for a DID that was never created
	tip := must(plc.NewTip([]plc.Operation{genesis}))
	update := must(plc.UpdateHandle(tip, "carol2.test", signing))
	status, res = post(did, string(must(plc.MarshalOperationJSON(update))))
	is.Equal(status, http.StatusNotFound)
	is.Equal(res.Code, NotFound)

	// genesis posted under the wrong DID
	status, res = post(unknown, string(must(plc.MarshalOperationJSON(genesis))))
	is.Equal(status, http.StatusBadRequest)
	is.Equal(res.Code, InvalidRequest)

	is.NoErr(env.client.SendOperation(ctx, did, genesis))
	err = env.client.SendOperation(ctx, did, genesis)
	var mismatch *plc.PrecursorMismatchError
	is.True(errors.As(err, &mismatch))
}

func TestExport(t *testing.T) {
	is := is.New(t)
	ctx := t.Context()
	env := newTestEnv(t)
	dids := make([]string, 3)
	for i := range dids {
		dids[i] = must(env.client.CreateDID(ctx, newKey(t), didKey(newKey(t)), "user.test", "https://pds.example.com"))
	}

	readLines := func(path string) []logstore.Entry {
		status, body := env.get(t, path)
		is.Equal(status, http.StatusOK)
		var entries []logstore.Entry
		sc := bufio.NewScanner(bytes.NewReader(body))
		for sc.Scan() {
			var e logstore.Entry
			is.NoErr(json.Unmarshal(sc.Bytes(), &e))
			entries = append(entries, e)
		}
		is.NoErr(sc.Err())
		return entries
	}

	// capped by the export limit
	page := readLines("/export?count=10")
	is.Equal(len(page), 2)
	is.Equal(page[0].DID, dids[0])
	is.Equal(page[1].DID, dids[1])
	rest := readLines("/export?after=" + itoa(page[1].Seq))
	is.Equal(len(rest), 1)
	is.Equal(rest[0].DID, dids[2])
	is.Equal(len(readLines("/export?after="+itoa(rest[0].Seq))), 0)
}

func TestExportStream(t *testing.T) {
	is := is.New(t)
	ctx := t.Context()
	env := newTestEnv(t)
	signing := newKey(t)
	first, err := env.client.CreateDID(ctx, signing, didKey(newKey(t)), "dan.test", "https://pds.example.com")
	is.NoErr(err)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/export/stream?after=0"
	c, _, err := websocket.Dial(ctx, url, nil)
	is.NoErr(err)
	defer c.CloseNow()

	read := func() logstore.Entry {
		rctx, cancel := contextWithTimeout(t, 5*time.Second)
		defer cancel()
		var e logstore.Entry
		is.NoErr(wsjson.Read(rctx, c, &e))
		return e
	}

	// backfilled
	e := read()
	is.Equal(e.DID, first)
	is.Equal(e.Index, 0)

	tip, err := env.client.ResolveTip(ctx, first)
	is.NoErr(err)
	_, err = env.client.UpdateHandle(ctx, tip, "dan2.test", signing)
	is.NoErr(err)
	second, err := env.client.CreateDID(ctx, newKey(t), didKey(newKey(t)), "erin.test", "https://pds.example.com")
	is.NoErr(err)

	e = read()
	is.Equal(e.DID, first)
	is.Equal(e.Index, 1)
	is.Equal(e.Operation.Kind(), plc.KindUpdateHandle)
	e = read()
	is.Equal(e.DID, second)
	is.Equal(e.Operation.Kind(), plc.KindCreate)
	is.NoErr(c.Close(websocket.StatusNormalClosure, ""))
}

func TestStreamEntriesOutOfOrder(t *testing.T) {
	is := is.New(t)
	ctx := t.Context()
	env := newTestEnv(t)
	for range 3 {
		_, err := env.client.CreateDID(ctx, newKey(t), didKey(newKey(t)), "user.test", "https://pds.example.com")
		is.NoErr(err)
	}
	stored, err := env.srv.Store().Export(ctx, 0, 10)
	is.NoErr(err)
	is.Equal(len(stored), 3)
	last := stored[2].Seq

	sctx, cancel := contextWithTimeout(t, 5*time.Second)
	defer cancel()
	live, err := pubsub.Subscribe[*logstore.Entry](sctx, env.srv.bus)
	is.NoErr(err)
	pub, err := env.srv.bus.Publisher(sctx)
	is.NoErr(err)
	// concurrent appends can publish a higher seq before a lower one
	for _, seq := range []int64{last + 2, last + 1, last} {
		is.NoErr(pub.Pub(sctx, &logstore.Entry{Seq: seq}))
	}
	var got []int64
	for e := range env.srv.entries(sctx, live, 0, true) {
		got = append(got, e.Seq)
		if len(got) == 5 {
			break
		}
	}
	is.Equal(got, []int64{stored[0].Seq, stored[1].Seq, last, last + 2, last + 1})
}

func TestStreamEntriesZeroLimit(t *testing.T) {
	is := is.New(t)
	ctx := t.Context()
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(&Config{}, env.srv.Store(), env.srv.bus, logger)

	// empty store
	n := 0
	for range srv.entries(ctx, slices.Values([]*logstore.Entry(nil)), 0, true) {
		n++
	}
	is.Equal(n, 0)

	did, err := env.client.CreateDID(ctx, newKey(t), didKey(newKey(t)), "user.test", "https://pds.example.com")
	is.NoErr(err)
	var got []*logstore.Entry
	for e := range srv.entries(ctx, slices.Values([]*logstore.Entry(nil)), 0, true) {
		got = append(got, e)
	}
	is.Equal(len(got), 1)
	is.Equal(got[0].DID, did)
}

func TestConfig(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "plc.yml")
	is.NoErr(os.WriteFile(path, []byte("port: 8080\ndatabase: postgres://plc@localhost/plc\npolicy: recovery\nexport_limit: 50\n"), 0o600))
	t.Setenv("PLC_PORT", "9090")
	t.Setenv("PLC_LOG_LEVEL", "debug")

	conf, err := LoadConfig(path)
	is.NoErr(err)
	conf.InitDefaults()
	is.NoErr(conf.Validate())
	is.Equal(conf.Port, uint16(9090))
	is.Equal(conf.Database, "postgres://plc@localhost/plc")
	is.Equal(conf.ExportLimit, 50)
	is.Equal(conf.StreamBuffer, 256)
	level, err := conf.Level()
	is.NoErr(err)
	is.Equal(level, slog.LevelDebug)
	policy, err := conf.AuthPolicy()
	is.NoErr(err)
	is.Equal(policy.Role(plc.KindRotateRecoveryKey), plc.RecoveryPolicy.Role(plc.KindRotateRecoveryKey))

	conf.Policy = "anyone"
	err = conf.Validate()
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), `unknown policy "anyone"`))
	// carries a stack trace like the other config errors
	is.True(strings.Contains(fmt.Sprintf("%+v", err), "AuthPolicy"))

	t.Setenv("PLC_EXPORT_LIMIT", "lots")
	_, err = LoadConfig("")
	is.True(err != nil)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	is.True(err != nil)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func contextWithTimeout(t *testing.T, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(t.Context(), d)
}
