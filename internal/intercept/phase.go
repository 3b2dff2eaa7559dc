package intercept

import (
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
)

type requestStage int

const (
	stageRequest requestStage = iota
	stageResponse
)

func (s requestStage) String() string {
	if s == stageResponse {
		return "response"
	}
	return "request"
}

type phaseState int

const (
	stateIdle phaseState = iota
	stateRequestPhase
	stateResponsePhase
	stateAwaitingDecision
	stateDispatched
)

func (s phaseState) String() string {
	switch s {
	case stateRequestPhase:
		return "request_phase"
	case stateResponsePhase:
		return "response_phase"
	case stateAwaitingDecision:
		return "awaiting_decision"
	case stateDispatched:
		return "dispatched"
	default:
		return "idle"
	}
}

// phase is one pause event moving through
// Idle -> Request/ResponsePhase -> AwaitingDecision -> Dispatched.
// Only the caller that wins claim() may issue the wire command.
type phase struct {
	stage          requestStage
	interceptionID fetch.RequestID
	networkID      network.RequestID
	url            string
	method         string
	status         int
	startedAt      time.Time

	mu       sync.Mutex
	state    phaseState
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

func newPhase(stage requestStage, id fetch.RequestID, networkID network.RequestID) *phase {
	p := &phase{
		stage:          stage,
		interceptionID: id,
		networkID:      networkID,
		startedAt:      time.Now(),
		state:          stateIdle,
		done:           make(chan struct{}),
	}
	if stage == stageResponse {
		p.state = stateResponsePhase
	} else {
		p.state = stateRequestPhase
	}
	return p
}

func (p *phase) current() phaseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// await marks the phase as handed to a user handler.
func (p *phase) await() {
	p.mu.Lock()
	if p.state == stateRequestPhase || p.state == stateResponsePhase {
		p.state = stateAwaitingDecision
	}
	p.mu.Unlock()
}

// claim moves the phase to Dispatched. It returns false if another caller
// already did.
func (p *phase) claim() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateDispatched {
		return false
	}
	p.state = stateDispatched
	return true
}

// finish records the dispatch outcome and releases waiters. Only the
// claim winner should call it; later calls are ignored.
func (p *phase) finish(err error) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *phase) result() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// InFlightInfo describes a pause event that has not been dispatched yet.
type InFlightInfo struct {
	InterceptionID string    `json:"interception_id"`
	NetworkID      string    `json:"network_id,omitempty"`
	Stage          string    `json:"stage"`
	State          string    `json:"state"`
	URL            string    `json:"url"`
	Method         string    `json:"method,omitempty"`
	Status         int       `json:"status,omitempty"`
	Since          time.Time `json:"since"`
}

func (p *phase) info() InFlightInfo {
	return InFlightInfo{
		InterceptionID: string(p.interceptionID),
		NetworkID:      string(p.networkID),
		Stage:          p.stage.String(),
		State:          p.current().String(),
		URL:            p.url,
		Method:         p.method,
		Status:         p.status,
		Since:          p.startedAt,
	}
}
