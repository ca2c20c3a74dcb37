package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/diarize"
)

// Memory is a process-local Ledger. It is not durable and serves tests and
// hosts that run without a database.
type Memory struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*Session
	segments map[int64][]diarize.Segment
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[int64]*Session),
		segments: make(map[int64][]diarize.Segment),
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) StartSession(_ context.Context, p StartParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := m.now()
	created := p.StartedAt
	if created.IsZero() {
		created = now
	}
	m.sessions[m.nextID] = &Session{
		ID:              m.nextID,
		State:           StateRecording,
		Source:          p.Source,
		Language:        p.Language,
		Timezone:        p.Timezone,
		InputDeviceName: p.InputDeviceName,
		UploadKey:       p.UploadKey,
		CreatedAt:       created,
		UpdatedAt:       now,
	}
	return m.nextID, nil
}

func (m *Memory) AppendSegment(_ context.Context, id int64, seg diarize.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return notFound(id)
	}
	segs := m.segments[id]
	for i := range segs {
		if segs[i].Speaker == seg.Speaker && segs[i].Start == seg.Start {
			segs[i] = seg
			return nil
		}
	}
	segs = append(segs, seg)
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })
	m.segments[id] = segs
	return nil
}

func (m *Memory) Segments(_ context.Context, id int64) ([]diarize.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return nil, notFound(id)
	}
	return append([]diarize.Segment(nil), m.segments[id]...), nil
}

func (m *Memory) Session(_ context.Context, id int64) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, notFound(id)
	}
	return *s, nil
}

func (m *Memory) transition(id int64, to State, apply func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	if err := checkTransition(id, s.State, to); err != nil {
		return err
	}
	s.State = to
	s.UpdatedAt = m.now()
	if apply != nil {
		apply(s)
	}
	return nil
}

func (m *Memory) FinishSession(_ context.Context, id int64, at time.Time) error {
	return m.transition(id, StateFinished, func(s *Session) { s.FinishedAt = at })
}

func (m *Memory) MarkUploading(_ context.Context, id int64) error {
	return m.transition(id, StateUploading, nil)
}

func (m *Memory) MarkCompleted(_ context.Context, id int64, backendID string) error {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok && s.State == StateCompleted && s.BackendID == backendID {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.transition(id, StateCompleted, func(s *Session) {
		s.BackendID = backendID
		s.LastError = ""
	})
}

func (m *Memory) MarkFailed(_ context.Context, id int64, errText string) error {
	return m.transition(id, StateFailed, func(s *Session) { s.LastError = errText })
}

func (m *Memory) DeleteSession(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.segments, id)
	return nil
}

func (m *Memory) SessionsInStates(_ context.Context, states ...State) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var out []Session
	for _, s := range m.sessions {
		if want[s.State] {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) IncrementRetry(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	s.RetryCount++
	s.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st Stats
	for _, s := range m.sessions {
		st.add(s.State)
	}
	return st, nil
}

func (st *Stats) add(s State) {
	st.Total++
	switch s {
	case StateRecording:
		st.Recording++
	case StateFinished, StateUploading:
		st.Pending++
	case StateFailed:
		st.Failed++
	case StateCompleted:
		st.Completed++
	}
}

var _ Ledger = (*Memory)(nil)
