package server

import (
	"context"
	"iter"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pkg/errors"

	"github.com/harrybrwn/plc/internal/logstore"
	"github.com/harrybrwn/plc/pubsub"
)

// exportStream pushes every accepted operation to a websocket as json. With an
// "after" cursor the stored entries past it are sent first.
func (s *Server) exportStream(w http.ResponseWriter, r *http.Request) {
	after, _, err := s.exportParams(r)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}
	backfill := r.URL.Query().Has("after")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// subscribe before reading the backlog so nothing lands in the gap
	live, err := pubsub.Subscribe[*logstore.Entry](ctx, s.bus)
	if err != nil {
		WriteError(s.logger, w, err)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer c.CloseNow()
	// canceled once the client goes away
	ctx = c.CloseRead(ctx)

	err = Stream(ctx, c, s.entries(ctx, live, after, backfill))
	switch {
	case err == nil:
		// the subscription was dropped for falling behind or the bus closed
		c.Close(websocket.StatusTryAgainLater, "stream closed")
	case errors.Is(err, context.Canceled), websocket.CloseStatus(err) != -1:
	default:
		s.logger.Warn("export stream failed", "error", err)
		c.Close(websocket.StatusInternalError, "stream failed")
	}
}

// entries yields the stored backlog past after, then live entries. Live
// entries at or below the last backfilled seq were already sent. Live entries
// are not filtered against each other since concurrent appends may publish out
// of seq order.
func (s *Server) entries(ctx context.Context, live iter.Seq[*logstore.Entry], after int64, backfill bool) iter.Seq[*logstore.Entry] {
	return func(yield func(*logstore.Entry) bool) {
		sent := after
		limit := s.conf.ExportLimit
		if limit <= 0 {
			limit = defaultExportLimit
		}
		for backfill {
			page, err := s.store.Export(ctx, sent, limit)
			if err != nil {
				s.logger.Error("export backfill failed", "error", err)
				return
			}
			for _, e := range page {
				if !yield(e) {
					return
				}
				sent = e.Seq
			}
			backfill = len(page) > 0 && len(page) == limit
		}
		for e := range live {
			if e.Seq <= sent {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Stream writes every item of seq to the websocket as a json text message.
// Callers must not read from c.
func Stream[T any](ctx context.Context, c *websocket.Conn, seq iter.Seq[T]) (err error) {
	for item := range seq {
		if err = wsjson.Write(ctx, c, item); err != nil {
			return err
		}
	}
	return ctx.Err()
}
