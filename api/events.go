package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmcleod/cloudcam/coordinator"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = 30 * time.Second
)

// EventSnapshot is the type of events carrying a published snapshot.
const EventSnapshot = "snapshot"

// Event is one message on the /events feed.
type Event struct {
	Type     string               `json:"type"`
	Snapshot coordinator.Snapshot `json:"snapshot"`
}

// Events upgrades to a websocket and pushes the current snapshot followed
// by every newly published one. Only the newest undelivered snapshot is
// kept for a slow client.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	a.audit.log(AuditEventsSubscribed, r)

	pending := make(chan coordinator.Snapshot, 1)
	unsubscribe := a.coord.Subscribe(func(s coordinator.Snapshot) {
		for {
			select {
			case pending <- s:
				return
			default:
			}
			select {
			case <-pending:
			default:
			}
		}
	})
	defer unsubscribe()

	// The read loop only handles control frames and notices disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(s coordinator.Snapshot) error {
		conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
		return conn.WriteJSON(Event{Type: EventSnapshot, Snapshot: s})
	}
	if err := send(a.coord.Snapshot()); err != nil {
		return
	}

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case s := <-pending:
			if err := send(s); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
