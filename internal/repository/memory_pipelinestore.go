package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"farmtrackr/backend/pkg/models"
)

// MemoryPipelineStore is an in-memory PipelineStore. It backs engine unit
// tests and local development without a database. A single mutex serializes
// all access, and WithTransaction snapshots the state so a failed callback
// rolls everything back, matching the Postgres store's transaction contract.
type MemoryPipelineStore struct {
	mu        sync.Mutex
	templates map[string]*models.PipelineTemplate
	listings  map[string]*models.Listing
	stages    map[string]*models.StageInstance
	tasks     map[string]*models.TaskInstance
}

// NewMemoryPipelineStore creates an empty MemoryPipelineStore.
func NewMemoryPipelineStore() *MemoryPipelineStore {
	return &MemoryPipelineStore{
		templates: make(map[string]*models.PipelineTemplate),
		listings:  make(map[string]*models.Listing),
		stages:    make(map[string]*models.StageInstance),
		tasks:     make(map[string]*models.TaskInstance),
	}
}

// WithTransaction holds the store lock for the whole callback, which both
// serializes concurrent operations and lets a failed callback restore the
// pre-call snapshot. fn receives a transaction-scoped store, as with the
// Postgres implementation.
func (s *MemoryPipelineStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx PipelineStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()
	if err := fn(ctx, &memoryTx{s: s}); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

// memoryTx is the transaction-scoped view handed to WithTransaction
// callbacks. The lock is already held, so it calls the unlocked internals.
type memoryTx struct {
	s *MemoryPipelineStore
}

func (t *memoryTx) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx PipelineStore) error) error {
	return fn(ctx, t)
}

func (t *memoryTx) SavePipelineTemplate(ctx context.Context, template *models.PipelineTemplate) error {
	return t.s.savePipelineTemplate(template)
}

func (t *memoryTx) LoadPipelineTemplate(ctx context.Context, id string) (*models.PipelineTemplate, error) {
	return t.s.loadPipelineTemplate(id)
}

func (t *memoryTx) ListPipelineTemplates(ctx context.Context) ([]*models.PipelineTemplate, error) {
	return t.s.listPipelineTemplates()
}

func (t *memoryTx) LoadListingWithStages(ctx context.Context, id string) (*models.Listing, error) {
	return t.s.assembleListing(id)
}

func (t *memoryTx) ListListings(ctx context.Context) ([]*models.Listing, error) {
	return t.s.listListings()
}

func (t *memoryTx) SaveListing(ctx context.Context, l *models.Listing) error {
	t.s.listings[l.ID] = cloneListingRow(l)
	return nil
}

func (t *memoryTx) SaveStageInstance(ctx context.Context, st *models.StageInstance) error {
	t.s.stages[st.ID] = cloneStageRow(st)
	return nil
}

func (t *memoryTx) SaveTaskInstance(ctx context.Context, task *models.TaskInstance) error {
	t.s.tasks[task.ID] = cloneTaskRow(task)
	return nil
}

type memorySnapshot struct {
	templates map[string]*models.PipelineTemplate
	listings  map[string]*models.Listing
	stages    map[string]*models.StageInstance
	tasks     map[string]*models.TaskInstance
}

func (s *MemoryPipelineStore) snapshot() memorySnapshot {
	snap := memorySnapshot{
		templates: make(map[string]*models.PipelineTemplate, len(s.templates)),
		listings:  make(map[string]*models.Listing, len(s.listings)),
		stages:    make(map[string]*models.StageInstance, len(s.stages)),
		tasks:     make(map[string]*models.TaskInstance, len(s.tasks)),
	}
	for id, t := range s.templates {
		snap.templates[id] = cloneTemplate(t)
	}
	for id, l := range s.listings {
		snap.listings[id] = cloneListingRow(l)
	}
	for id, st := range s.stages {
		snap.stages[id] = cloneStageRow(st)
	}
	for id, t := range s.tasks {
		snap.tasks[id] = cloneTaskRow(t)
	}
	return snap
}

func (s *MemoryPipelineStore) restore(snap memorySnapshot) {
	s.templates = snap.templates
	s.listings = snap.listings
	s.stages = snap.stages
	s.tasks = snap.tasks
}

// SavePipelineTemplate upserts a template by name with its full tree.
func (s *MemoryPipelineStore) SavePipelineTemplate(ctx context.Context, template *models.PipelineTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savePipelineTemplate(template)
}

func (s *MemoryPipelineStore) savePipelineTemplate(template *models.PipelineTemplate) error {
	for id, existing := range s.templates {
		if existing.Name == template.Name {
			template.ID = id
			break
		}
	}
	s.templates[template.ID] = cloneTemplate(template)
	return nil
}

// LoadPipelineTemplate loads a template with stages ordered by sequence.
func (s *MemoryPipelineStore) LoadPipelineTemplate(ctx context.Context, id string) (*models.PipelineTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadPipelineTemplate(id)
}

func (s *MemoryPipelineStore) loadPipelineTemplate(id string) (*models.PipelineTemplate, error) {
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("pipeline template %s: %w", id, ErrNotFound)
	}
	out := cloneTemplate(t)
	sort.Slice(out.Stages, func(i, j int) bool { return out.Stages[i].Sequence < out.Stages[j].Sequence })
	return out, nil
}

// ListPipelineTemplates loads all templates ordered by name.
func (s *MemoryPipelineStore) ListPipelineTemplates(ctx context.Context) ([]*models.PipelineTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listPipelineTemplates()
}

func (s *MemoryPipelineStore) listPipelineTemplates() ([]*models.PipelineTemplate, error) {
	out := make([]*models.PipelineTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, cloneTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// LoadListingWithStages assembles the listing aggregate from the row maps.
func (s *MemoryPipelineStore) LoadListingWithStages(ctx context.Context, id string) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assembleListing(id)
}

func (s *MemoryPipelineStore) assembleListing(id string) (*models.Listing, error) {
	row, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	listing := cloneListingRow(row)

	for _, st := range s.stages {
		if st.ListingID != id {
			continue
		}
		stage := cloneStageRow(st)
		for _, t := range s.tasks {
			if t.StageInstanceID == stage.ID {
				stage.Tasks = append(stage.Tasks, cloneTaskRow(t))
			}
		}
		sort.Slice(stage.Tasks, func(i, j int) bool {
			a, b := stage.Tasks[i], stage.Tasks[j]
			if a.CreatedAt.Equal(b.CreatedAt) {
				return a.ID < b.ID
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})
		listing.Stages = append(listing.Stages, stage)
	}
	sort.Slice(listing.Stages, func(i, j int) bool { return listing.Stages[i].Order < listing.Stages[j].Order })
	return listing, nil
}

// ListListings loads all listing aggregates, newest first.
func (s *MemoryPipelineStore) ListListings(ctx context.Context) ([]*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listListings()
}

func (s *MemoryPipelineStore) listListings() ([]*models.Listing, error) {
	ids := make([]string, 0, len(s.listings))
	for id := range s.listings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.listings[ids[i]], s.listings[ids[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	out := make([]*models.Listing, 0, len(ids))
	for _, id := range ids {
		listing, err := s.assembleListing(id)
		if err != nil {
			return nil, err
		}
		out = append(out, listing)
	}
	return out, nil
}

// SaveListing upserts the listing row. The nested Stages slice is ignored;
// stage and task rows are saved through their own methods.
func (s *MemoryPipelineStore) SaveListing(ctx context.Context, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = cloneListingRow(l)
	return nil
}

// SaveStageInstance upserts a stage row.
func (s *MemoryPipelineStore) SaveStageInstance(ctx context.Context, st *models.StageInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[st.ID] = cloneStageRow(st)
	return nil
}

// SaveTaskInstance upserts a task row.
func (s *MemoryPipelineStore) SaveTaskInstance(ctx context.Context, t *models.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = cloneTaskRow(t)
	return nil
}

func cloneTemplate(t *models.PipelineTemplate) *models.PipelineTemplate {
	out := *t
	out.Stages = nil
	for _, st := range t.Stages {
		stage := *st
		stage.Tasks = nil
		for _, task := range st.Tasks {
			taskCopy := *task
			stage.Tasks = append(stage.Tasks, &taskCopy)
		}
		out.Stages = append(out.Stages, &stage)
	}
	return &out
}

func cloneListingRow(l *models.Listing) *models.Listing {
	out := *l
	out.Stages = nil
	return &out
}

func cloneStageRow(st *models.StageInstance) *models.StageInstance {
	out := *st
	out.Tasks = nil
	return &out
}

func cloneTaskRow(t *models.TaskInstance) *models.TaskInstance {
	out := *t
	return &out
}
