// Package server serves did:plc operation logs over HTTP.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harrybrwn/plc/internal/logstore"
	"github.com/harrybrwn/plc/internal/middleware"
	"github.com/harrybrwn/plc/plc"
	"github.com/harrybrwn/plc/pubsub"
)

// maxOperationSize bounds POST bodies. Real operations are well under 1KiB.
const maxOperationSize = 64 * 1024

type Server struct {
	r      chi.Router
	store  *logstore.Store
	bus    *pubsub.ChannelBus[*logstore.Entry]
	logger *slog.Logger
	conf   *Config
}

// Open wires a server from its config: it opens and migrates the log database
// and connects the store to the export stream bus.
func Open(ctx context.Context, conf *Config, logger *slog.Logger) (*Server, error) {
	policy, err := conf.AuthPolicy()
	if err != nil {
		return nil, err
	}
	if dialect, path := logstore.ParseDSN(conf.Database); dialect == logstore.SQLite && path != ":memory:" {
		if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	bus := pubsub.NewBufferedBus[*logstore.Entry](conf.StreamBuffer)
	pub, err := bus.Publisher(ctx)
	if err != nil {
		return nil, err
	}
	store, err := logstore.Open(
		conf.Database,
		logstore.WithPolicy(policy),
		logstore.WithPublisher(pub),
		logstore.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	if err = store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return New(conf, store, bus, logger), nil
}

// New builds the router. The store should publish to bus for the export
// stream to see new operations.
func New(conf *Config, store *logstore.Store, bus *pubsub.ChannelBus[*logstore.Entry], logger *slog.Logger) *Server {
	s := Server{
		r:      chi.NewRouter(),
		store:  store,
		bus:    bus,
		logger: logger,
		conf:   conf,
	}
	s.r.Use(middleware.NewRequestLogger(logger), middleware.Metrics)
	s.r.Get("/_health", s.health)
	s.r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	s.r.Get("/export", s.export)
	s.r.Get("/export/stream", s.exportStream)
	s.r.Get("/log/{did}", s.getLog)
	s.r.Get("/log/audit/{did}", s.getAuditLog)
	s.r.Get("/log/last/{did}", s.getLastOp)
	s.r.Get("/data/{did}", s.getData)
	s.r.Get("/{did}", s.getDocument)
	s.r.Post("/{did}", s.postOperation)
	return &s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.r.ServeHTTP(w, r) }

// Router returns the internal router.
func (s *Server) Router() chi.Router { return s.r }

func (s *Server) Store() *logstore.Store { return s.store }

func (s *Server) Close() error {
	err := s.bus.Close()
	if e := s.store.Close(); e != nil {
		err = e
	}
	return err
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	res := map[string]string{"version": s.conf.Version}
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("database ping failed", "error", err)
		res["error"] = "Service Unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(s.logger, w, status, res)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	did, err := didParam(r)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	doc, err := s.store.Document(r.Context(), did)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	diddoc, err := plc.FormatDidDoc(doc)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	w.Header().Set("Content-Type", "application/did+ld+json")
	writeJSON(s.logger, w, http.StatusOK, diddoc)
}

func (s *Server) getData(w http.ResponseWriter, r *http.Request) {
	did, err := didParam(r)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	doc, err := s.store.Document(r.Context(), did)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, doc)
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	did, err := didParam(r)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	log, err := s.store.Log(r.Context(), did)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	if len(log) == 0 {
		WriteError(s.logger, w, &plc.EmptyLogError{DID: did})
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"log": log})
}

func (s *Server) getAuditLog(w http.ResponseWriter, r *http.Request) {
	did, err := didParam(r)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	entries, err := s.store.Audit(r.Context(), did)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	if len(entries) == 0 {
		WriteError(s.logger, w, &plc.EmptyLogError{DID: did})
		return
	}
	writeJSON(s.logger, w, http.StatusOK, entries)
}

func (s *Server) getLastOp(w http.ResponseWriter, r *http.Request) {
	did, err := didParam(r)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	last, err := s.store.Last(r.Context(), did)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, last.Operation)
}

func (s *Server) postOperation(w http.ResponseWriter, r *http.Request) {
	did, err := didParam(r)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOperationSize))
	if err != nil {
		WriteError(s.logger, w, NewInvalidRequest("could not read operation").Wrap(err))
		return
	}
	op, err := plc.ParseOperationJSON(body)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	if _, err = s.store.Append(r.Context(), did, op); err != nil {
		WriteError(s.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// export writes entries after the "after" cursor as json lines.
func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	after, count, err := s.exportParams(r)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	entries, err := s.store.Export(r.Context(), after, count)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	w.Header().Set("Content-Type", "application/jsonlines")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err = enc.Encode(e); err != nil {
			s.logger.Warn("export write failed", "error", err)
			return
		}
	}
}

func (s *Server) exportParams(r *http.Request) (after int64, count int, err error) {
	q := r.URL.Query()
	if v := q.Get("after"); len(v) > 0 {
		after, err = strconv.ParseInt(v, 10, 64)
		if err != nil || after < 0 {
			return 0, 0, NewInvalidRequest("invalid after cursor %q", v)
		}
	}
	count = s.conf.ExportLimit
	if v := q.Get("count"); len(v) > 0 {
		count, err = strconv.Atoi(v)
		if err != nil || count < 1 {
			return 0, 0, NewInvalidRequest("invalid count %q", v)
		}
		count = min(count, s.conf.ExportLimit)
	}
	return after, count, nil
}

func didParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "did")
	did, err := syntax.ParseDID(raw)
	if err != nil {
		return "", NewInvalidRequest("invalid DID %q", raw).Wrap(err)
	}
	if did.Method() != "plc" {
		return "", NewInvalidRequest("unsupported DID method %q", did.Method())
	}
	return did.String(), nil
}

func writeJSON(l *slog.Logger, w http.ResponseWriter, status int, v any) {
	if len(w.Header().Get("Content-Type")) == 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l.Warn("failed to write response", "error", errors.WithStack(err))
	}
}
