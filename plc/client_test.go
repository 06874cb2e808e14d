package plc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/matryer/is"
)

// memServer is a minimal log server keeping every log in memory.
type memServer struct {
	mu   sync.Mutex
	logs map[string][]Operation
}

func (s *memServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	writeErr := func(status int, code, msg string) {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case path == "_health":
		w.Write([]byte(`{"version":"test"}`))
	case r.Method == http.MethodGet && strings.HasPrefix(path, "log/"):
		log, ok := s.logs[strings.TrimPrefix(path, "log/")]
		if !ok {
			writeErr(http.StatusNotFound, "NotFound", "no such did")
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"log": log})
	case r.Method == http.MethodGet && strings.HasPrefix(path, "data/"):
		doc, err := Reduce(s.logs[strings.TrimPrefix(path, "data/")])
		if err != nil {
			writeErr(http.StatusNotFound, "NotFound", err.Error())
			return
		}
		json.NewEncoder(w).Encode(doc)
	case r.Method == http.MethodGet:
		doc, err := Reduce(s.logs[path])
		if err != nil {
			writeErr(http.StatusNotFound, "NotFound", err.Error())
			return
		}
		json.NewEncoder(w).Encode(must(FormatDidDoc(doc)))
	case r.Method == http.MethodPost:
		b, _ := io.ReadAll(r.Body)
		op, err := ParseOperationJSON(b)
		if err != nil {
			writeErr(http.StatusBadRequest, "InvalidRequest", err.Error())
			return
		}
		_, err = VerifyNext(s.logs[path], path, op, nil)
		var mismatch *PrecursorMismatchError
		switch {
		case errors.As(err, &mismatch):
			writeErr(http.StatusConflict, "PrecursorMismatch", err.Error())
		case err != nil:
			writeErr(http.StatusBadRequest, "InvalidRequest", err.Error())
		default:
			s.logs[path] = append(s.logs[path], op)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *memServer) len(did string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs[did])
}

func newTestClient(t *testing.T) (*Client, *memServer) {
	t.Helper()
	ms := &memServer{logs: make(map[string][]Operation)}
	srv := httptest.NewServer(ms)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, WithRetries(0))
	if err != nil {
		t.Fatal(err)
	}
	return c, ms
}

func TestClient(t *testing.T) {
	is := is.New(t)
	ctx := t.Context()
	c, ms := newTestClient(t)
	is.NoErr(c.Health(ctx))

	k1, r1, k2 := newKey(t), newKey(t), newKey(t)
	did, err := c.CreateDID(ctx, k1, didKey(t, r1), "alice", "https://pds.example")
	is.NoErr(err)
	is.Equal(ms.len(did), 1)

	doc, err := c.GetDocumentData(ctx, did)
	is.NoErr(err)
	is.Equal(doc.Handle, "alice")
	is.Equal(doc.SigningKey, didKey(t, k1))

	w3c, err := c.GetDocument(ctx, did)
	is.NoErr(err)
	is.Equal(w3c.ID.String(), did)
	is.Equal(w3c.AlsoKnownAs, []string{"at://alice"})
	is.Equal(len(w3c.VerificationMethod), 2)
	is.Equal(w3c.Service[0].ServiceEndpoint, "https://pds.example")

	genesisTip, err := c.ResolveTip(ctx, did)
	is.NoErr(err)
	is.Equal(genesisTip.Len, 1)

	next, err := c.RotateSigningKey(ctx, genesisTip, didKey(t, k2), k1)
	is.NoErr(err)
	is.Equal(next.Document.SigningKey, didKey(t, k2))
	resolved, err := c.ResolveTip(ctx, did)
	is.NoErr(err)
	is.Equal(resolved.CID, next.CID)

	// stale tip
	_, err = c.UpdateHandle(ctx, genesisTip, "alice2", k1)
	var mismatch *PrecursorMismatchError
	is.True(errors.As(err, &mismatch))
	is.Equal(ms.len(did), 2)

	// the old key is no longer authorized
	_, err = c.UpdateHandle(ctx, resolved, "alice2", k1)
	var verr *ValidationError
	is.True(errors.As(err, &verr))

	// Apply resolves the tip itself
	tip, err := c.Apply(ctx, did, &UpdateHandleOp{Handle: "alice2"}, k2, 3)
	is.NoErr(err)
	is.Equal(tip.Document.Handle, "alice2")
	tip, err = c.UpdateAtpPds(ctx, tip, "https://other.example", r1)
	is.NoErr(err)
	tip, err = c.RotateRecoveryKey(ctx, tip, didKey(t, newKey(t)), r1)
	is.NoErr(err)
	is.Equal(tip.Len, 5)

	log, err := c.GetOperationLog(ctx, did)
	is.NoErr(err)
	final, err := VerifyLog(log, nil)
	is.NoErr(err)
	is.Equal(final, tip.Document)
}

func TestClientMissingDID(t *testing.T) {
	is := is.New(t)
	ctx := t.Context()
	c, _ := newTestClient(t)
	const did = "did:plc:aaaaaaaaaaaaaaaaaaaaaaaa"

	log, err := c.GetOperationLog(ctx, did)
	is.NoErr(err)
	is.Equal(len(log), 0)

	var empty *EmptyLogError
	_, err = c.ResolveTip(ctx, did)
	is.True(errors.As(err, &empty))
	_, err = c.GetDocumentData(ctx, did)
	is.True(errors.As(err, &empty))
	_, err = c.GetDocument(ctx, did)
	is.True(errors.As(err, &empty))
	_, err = c.Apply(ctx, did, &UpdateHandleOp{Handle: "x"}, newKey(t), 2)
	is.True(errors.As(err, &empty))

	_, err = NewClient("ftp://example.com")
	is.True(err != nil)
}
