package replication

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/drfirst/go-pod/internal/domain/entity"
	"github.com/drfirst/go-pod/internal/store"
)

// KindReport is the outcome of pulling one kind.
type KindReport struct {
	Kind      entity.Kind `json:"kind"`
	Pulled    int         `json:"pulled"`
	Inserted  int         `json:"inserted"`
	Updated   int         `json:"updated"`
	Unchanged int         `json:"unchanged"`
	Skipped   int         `json:"skipped"`
	Rejected  int         `json:"rejected"`
	NotRun    bool        `json:"notRun,omitempty"`
	Err       error       `json:"-"`
	Error     string      `json:"error,omitempty"`
}

// Failed reports whether the kind ended in error.
func (k KindReport) Failed() bool { return k.Err != nil }

func (k *KindReport) count(o store.Outcome) {
	switch o {
	case store.OutcomeInserted:
		k.Inserted++
	case store.OutcomeUpdated:
		k.Updated++
	case store.OutcomeSkipped:
		k.Skipped++
	default:
		k.Unchanged++
	}
}

// Report aggregates one sync session. It is written concurrently while the
// session runs and is read-only after Finish.
type Report struct {
	mu         sync.Mutex
	startedAt  time.Time
	finishedAt time.Time
	kinds      map[entity.Kind]*KindReport
	order      []entity.Kind
	pushed     int
	pushFailed int
	canceled   bool
	finished   bool
}

func newReport(now time.Time, kinds []entity.Kind) *Report {
	r := &Report{
		startedAt: now,
		kinds:     make(map[entity.Kind]*KindReport, len(kinds)),
		order:     append([]entity.Kind(nil), kinds...),
	}
	for _, k := range kinds {
		r.kinds[k] = &KindReport{Kind: k, NotRun: true}
	}
	return r
}

func (r *Report) setKind(kr KindReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	if kr.Err != nil {
		kr.Error = kr.Err.Error()
	}
	r.kinds[kr.Kind] = &kr
}

func (r *Report) addPush(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	if ok {
		r.pushed++
	} else {
		r.pushFailed++
	}
}

func (r *Report) finish(now time.Time, canceled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finishedAt = now
	r.canceled = canceled
	r.finished = true
}

// Kinds returns a copy of the per-kind reports in sync order.
func (r *Report) Kinds() []KindReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]KindReport, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, *r.kinds[k])
	}
	return out
}

// Kind returns the report for one kind.
func (r *Report) Kind(k entity.Kind) (KindReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kr, ok := r.kinds[k]
	if !ok {
		return KindReport{}, false
	}
	return *kr, true
}

// Failures returns the kinds that ended in error.
func (r *Report) Failures() []KindReport {
	var out []KindReport
	for _, kr := range r.Kinds() {
		if kr.Failed() {
			out = append(out, kr)
		}
	}
	return out
}

// Pushed returns the delivered and failed outbox counts.
func (r *Report) Pushed() (ok, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushed, r.pushFailed
}

func (r *Report) Canceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

func (r *Report) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

func (r *Report) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt
}

// Result summarizes the session for metrics: ok, partial or canceled.
func (r *Report) Result() string {
	if r.Canceled() {
		return "canceled"
	}
	if len(r.Failures()) > 0 {
		return "partial"
	}
	if _, failed := r.Pushed(); failed > 0 {
		return "partial"
	}
	return "ok"
}

type reportJSON struct {
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	DurationMs int64        `json:"durationMs"`
	Canceled   bool         `json:"canceled"`
	Result     string       `json:"result"`
	Pushed     int          `json:"pushed"`
	PushFailed int          `json:"pushFailed"`
	Kinds      []KindReport `json:"kinds"`
}

func (r *Report) MarshalJSON() ([]byte, error) {
	pushed, failed := r.Pushed()
	started, finished := r.StartedAt(), r.FinishedAt()
	var dur int64
	if !finished.IsZero() {
		dur = finished.Sub(started).Milliseconds()
	}
	return json.Marshal(reportJSON{
		StartedAt:  started,
		FinishedAt: finished,
		DurationMs: dur,
		Canceled:   r.Canceled(),
		Result:     r.Result(),
		Pushed:     pushed,
		PushFailed: failed,
		Kinds:      r.Kinds(),
	})
}
