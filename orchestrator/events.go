package orchestrator

import (
	"sync"

	"github.com/gammadia/batchpilot/batch"
)

type Event interface{}

// Resources

type EventPoolProvisioned struct {
	Run   string
	Pool  string
	Owned bool
}

type EventJobProvisioned struct {
	Run  string
	Job  string
	Pool string
}

type EventProvisionConflict struct {
	Run  string
	Kind ResourceKind
	ID   string
}

type EventResourceDeleted struct {
	Run  string
	Kind ResourceKind
	ID   string
}

type EventTeardownFailed struct {
	Run   string
	Kind  ResourceKind
	ID    string
	Error error
}

type EventTeardownSkipped struct {
	Run       string
	Resources []ResourceHandle
}

// Tasks

type EventTasksSubmitted struct {
	Run   string
	Job   string
	Tasks []string
}

type EventTaskStateChanged struct {
	Run   string
	Job   string
	Task  string
	State batch.TaskState
	Node  string
}

// Autoscale

type EventAutoscaleEvaluated struct {
	Run        string
	Pool       string
	Cycle      int
	Evaluation batch.AutoscaleEvaluation
}

type EventPoolNodesObserved struct {
	Run   string
	Pool  string
	Cycle int
	Nodes int
}

// Runs

type EventRunCompleted struct {
	Run    string
	Status RunStatus
	Error  error
}

// subscriberBuffer bounds how far a subscriber may lag before events are dropped.
const subscriberBuffer = 1024

type hub struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	next        int
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers == nil {
		h.subscribers = map[int]chan Event{}
	}
	id := h.next
	h.next++
	ch := make(chan Event, subscriberBuffer)
	h.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subscribers, id)
			close(ch)
		})
	}
}

// broadcast never blocks the run; it reports how many subscribers missed the event.
func (h *hub) broadcast(event Event) (dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	return
}
