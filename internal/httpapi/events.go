package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"orgpass.org/internal/audit"
	"orgpass.org/internal/auth"
	"orgpass.org/internal/events"
)

const eventsHeartbeat = 30 * time.Second

func (a *API) publish(r *http.Request, kind events.Kind, subject string) {
	evt := events.Event{Kind: kind, Subject: subject, RequestID: audit.RequestID(r.Context())}
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		evt.Actor = id.ID
	}
	a.events.Publish(evt)
}

// handleEvents streams lifecycle events as Server-Sent Events until the
// client goes away.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request, _ *auth.Request) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.events.Subscribe(r.Context())

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	heartbeat := time.NewTicker(eventsHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: " + string(evt.Kind) + "\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
