package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/losocloud/losocloud/internal/events"
	"github.com/losocloud/losocloud/pkg/types"
)

// ssePingInterval is how often an idle event stream emits a keepalive.
const ssePingInterval = 15 * time.Second

// streamSessionEvents streams status.update / checklist.update events for
// one session over SSE. The current state is replayed first so late
// subscribers start consistent.
func (s *Server) streamSessionEvents(c echo.Context) error {
	sess, err := s.sessionForUser(c)
	if err != nil {
		return brokerError(c, err)
	}

	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
	}

	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	ch, unsubscribe := s.bus.Subscribe(sess.ID)
	defer unsubscribe()

	checklist := sess.Checklist
	if checklist == nil {
		checklist = []types.ChecklistItem{}
	}
	initial := []events.Event{
		{Event: events.TypeStatusUpdate, Data: map[string]any{"status": sess.Status}},
		{Event: events.TypeChecklistUpdate, Data: map[string]any{"items": checklist}},
	}
	for _, ev := range initial {
		if err := writeSSE(resp, ev); err != nil {
			return nil
		}
	}
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-ch:
			if !open {
				return nil
			}
			if err := writeSSE(resp, ev); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(resp, ": ping\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	name := ev.Event
	if name == "" {
		name = "message"
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte("{}")
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
