package session

import (
	"sync"

	"github.com/pavelanni/mocktest/internal/model"
)

// EventKind names what changed in a session.
type EventKind string

const (
	EventPhase    EventKind = "phase"
	EventTick     EventKind = "tick"
	EventAnswer   EventKind = "answer"
	EventScore    EventKind = "score"
	EventFeedback EventKind = "feedback"
)

// Event is a state change notification for presentation layers.
type Event struct {
	Kind       EventKind             `json:"kind"`
	SessionID  string                `json:"session_id,omitempty"`
	Phase      model.Phase           `json:"phase"`
	Remaining  int                   `json:"remaining_seconds"`
	QuestionID string                `json:"question_id,omitempty"`
	Score      *model.ScoreResult    `json:"score,omitempty"`
	Feedback   *model.FeedbackStatus `json:"feedback,omitempty"`
}

// Listener receives events in the order they were produced. Listeners run on
// the dispatch goroutine and may call back into the Controller.
type Listener func(Event)

type subscription struct {
	id int
	fn Listener
}

// dispatcher delivers queued events from a single goroutine.
type dispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	listeners []subscription
	nextID    int
	closed    bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *dispatcher) publish(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || len(d.listeners) == 0 {
		return
	}
	d.queue = append(d.queue, e)
	d.cond.Signal()
}

func (d *dispatcher) subscribe(fn Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.listeners = append(d.listeners, subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, s := range d.listeners {
				if s.id == id {
					d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (d *dispatcher) loop() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		e := d.queue[0]
		d.queue = d.queue[1:]
		listeners := d.listeners
		d.mu.Unlock()

		for _, s := range listeners {
			s.fn(e)
		}
	}
}

// close drops undelivered events and stops the dispatch goroutine. It does
// not wait for a listener that is currently running.
func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.queue = nil
	d.cond.Broadcast()
}
