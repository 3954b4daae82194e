package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"content-engine/internal/models"
	"content-engine/internal/store"
)

// fakeStore mirrors the Postgres store semantics in memory, including the
// CAS precondition and the unique payload-hash constraint.
type fakeStore struct {
	mu     sync.Mutex
	jobs   map[string]models.Job
	events map[string]models.WebhookEvent

	transitionErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:   make(map[string]models.Job),
		events: make(map[string]models.WebhookEvent),
	}
}

func (f *fakeStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	now := time.Now().UTC()
	st := models.StatusPending
	if p.ScheduledFor != nil && p.ScheduledFor.After(now) {
		st = models.StatusScheduled
	}
	job := models.Job{
		ID:           uuid.New().String(),
		Tenant:       p.Tenant,
		Type:         p.Type,
		Status:       st,
		Payload:      p.Payload,
		MaxAttempts:  p.MaxAttempts,
		ScheduledFor: p.ScheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if p.CallbackURL != "" {
		cb := p.CallbackURL
		job.CallbackURL = &cb
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeStore) GetJobByID(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) ListMatchCandidates(_ context.Context, jobType string, limit int) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, j := range f.jobs {
		if j.Type == jobType && !models.IsTerminal(j.Status) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) TransitionStatus(_ context.Context, p store.TransitionParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionErr != nil {
		return false, f.transitionErr
	}
	job, ok := f.jobs[p.ID]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, s := range p.From {
		if job.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	job.Status = p.To
	if p.Result != nil {
		job.Result = p.Result
	}
	if p.Error != nil {
		job.Error = p.Error
	}
	job.LockedUntil = nil
	job.UpdatedAt = time.Now().UTC()
	f.jobs[p.ID] = job
	return true, nil
}

func (f *fakeStore) MergePayload(_ context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Payload == nil {
		job.Payload = map[string]any{}
	}
	for k, v := range fields {
		job.Payload[k] = v
	}
	job.UpdatedAt = time.Now().UTC()
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) InsertWebhookEvent(_ context.Context, eventType string, payload map[string]any, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.events[hash]; exists {
		return false, nil
	}
	f.events[hash] = models.WebhookEvent{
		ID:          uuid.New().String(),
		EventType:   eventType,
		Payload:     payload,
		PayloadHash: hash,
		CreatedAt:   time.Now().UTC(),
	}
	return true, nil
}

func (f *fakeStore) MarkEventProcessed(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[hash]
	if !ok {
		return errors.New("event missing")
	}
	ev.Processed = true
	f.events[hash] = ev
	return nil
}

func (f *fakeStore) ClaimJob(_ context.Context, id string, lockedUntil time.Time) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, false, nil
	}
	if job.Status != models.StatusPending && job.Status != models.StatusScheduled {
		return models.Job{}, false, nil
	}
	job.Status = models.StatusRunning
	job.Attempt++
	job.LockedUntil = &lockedUntil
	job.UpdatedAt = time.Now().UTC()
	f.jobs[id] = job
	return job, true, nil
}

func (f *fakeStore) setJob(job models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func (f *fakeStore) event(hash string) (models.WebhookEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[hash]
	return ev, ok
}

type fakeQueue struct {
	mu     sync.Mutex
	ready  []string
	pushed []string
	acked  []string
}

func (q *fakeQueue) Push(_ context.Context, _ string, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, jobID)
	q.pushed = append(q.pushed, jobID)
	return nil
}

func (q *fakeQueue) Claim(_ context.Context, _ string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return "", nil
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	return id, nil
}

func (q *fakeQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, jobID)
	return nil
}

type fakeGate struct{ allow bool }

func (g fakeGate) Allow(context.Context, string) (bool, error) { return g.allow, nil }

type fakeIndex struct {
	mu      sync.Mutex
	entries map[string]string
}

func newFakeIndex() *fakeIndex { return &fakeIndex{entries: map[string]string{}} }

func (i *fakeIndex) Put(_ context.Context, token, jobID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[token] = jobID
	return nil
}

func (i *fakeIndex) Lookup(_ context.Context, tokens []string) (string, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, t := range tokens {
		if id, ok := i.entries[t]; ok {
			return id, true, nil
		}
	}
	return "", false, nil
}

type captureNotifier struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (n *captureNotifier) JobFinished(job models.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
}

func (n *captureNotifier) finished() []models.Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Job(nil), n.jobs...)
}
