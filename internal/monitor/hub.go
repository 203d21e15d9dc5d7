// Package monitor publishes calibration progress on the tsweb debug pages.
package monitor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tshcal/internal/gss"
	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/rig"
)

// maxEvaluations bounds the evaluation history kept for the snapshot.
const maxEvaluations = 512

// Event is one line of the calibration tail.
type Event struct {
	Kind       string          `json:"kind"` // "title", "eval" or "move"
	Time       time.Time       `json:"time"`
	Title      string          `json:"title,omitempty"`
	Evaluation *gss.Evaluation `json:"evaluation,omitempty"`
	Move       *rig.MoveRecord `json:"move,omitempty"`
}

// Snapshot is the state served at /debug/calibration.
type Snapshot struct {
	RunID       string           `json:"run_id,omitempty"`
	Title       string           `json:"title"`
	Updated     time.Time        `json:"updated"`
	Evaluations []gss.Evaluation `json:"evaluations"`
	LastMove    *rig.MoveRecord  `json:"last_move,omitempty"`
}

// Hub collects progress hooks from the sequencer and fans them out to
// tail subscribers. Slow subscribers miss events rather than stall the run.
type Hub struct {
	mu          sync.Mutex
	snap        Snapshot
	now         func() time.Time
	subscribers map[string]chan string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{now: time.Now, subscribers: make(map[string]chan string)}
}

// SetRunID labels the snapshot with the run identifier.
func (h *Hub) SetRunID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snap.RunID = id
}

// SetTitle is the sequencer's title hook.
func (h *Hub) SetTitle(title string) {
	h.mu.Lock()
	h.snap.Title = title
	h.snap.Updated = h.now()
	h.mu.Unlock()
	h.publish(Event{Kind: "title", Title: title})
}

// RecordEval is the search's per-evaluation hook.
func (h *Hub) RecordEval(e gss.Evaluation) {
	h.mu.Lock()
	h.snap.Evaluations = append(h.snap.Evaluations, e)
	if n := len(h.snap.Evaluations); n > maxEvaluations {
		h.snap.Evaluations = append([]gss.Evaluation(nil), h.snap.Evaluations[n-maxEvaluations:]...)
	}
	h.snap.Updated = h.now()
	h.mu.Unlock()
	h.publish(Event{Kind: "eval", Evaluation: &e})
}

// RecordMove is the rig mover's completed-move hook.
func (h *Hub) RecordMove(m rig.MoveRecord) {
	h.mu.Lock()
	h.snap.LastMove = &m
	h.snap.Updated = h.now()
	h.mu.Unlock()
	h.publish(Event{Kind: "move", Move: &m})
}

// Snapshot returns a copy of the current state.
func (h *Hub) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.snap
	s.Evaluations = append([]gss.Evaluation(nil), h.snap.Evaluations...)
	return s
}

// Subscribe registers a tail listener.
func (h *Hub) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, 64)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a tail listener and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}

func (h *Hub) publish(ev Event) {
	ev.Time = h.now()
	payload, err := json.Marshal(ev)
	if err != nil {
		monitoring.Warnf("monitor: marshal %s event: %v", ev.Kind, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		select {
		case ch <- string(payload):
		default:
			monitoring.Debugf("monitor: subscriber %s is behind, dropped %s event", id, ev.Kind)
		}
	}
}
