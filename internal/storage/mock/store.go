package mock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/livehub/internal/models"
)

var errScrollInjected = errors.New("mock: injected scroll failure")

// Store is an in-memory record store. Every method is atomic with respect to
// the others, which mirrors the conditional updates of the Postgres store.
type Store struct {
	mu         sync.Mutex
	tasks      map[uuid.UUID]*models.Task
	images     map[uuid.UUID]*models.Image
	leases     map[uuid.UUID]time.Time
	faces      map[uuid.UUID]*models.Face
	references map[uuid.UUID]*models.UserReference
	seq        int64
	now        func() time.Time

	// Error injection
	EnqueueError       error
	ClaimTaskError     error
	FinishTaskError    error
	ClaimImageError    error
	CompleteImageError error
	FailImageError     error
	AssignFaceError    error
	SaveReferenceError error
	ReadError          error
}

func NewStore() *Store {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Store{
		tasks:      make(map[uuid.UUID]*models.Task),
		images:     make(map[uuid.UUID]*models.Image),
		leases:     make(map[uuid.UUID]time.Time),
		faces:      make(map[uuid.UUID]*models.Face),
		references: make(map[uuid.UUID]*models.UserReference),
	}
	// A strictly increasing clock keeps creation order deterministic.
	s.now = func() time.Time {
		s.seq++
		return base.Add(time.Duration(s.seq) * time.Millisecond)
	}
	return s
}

// --- Tasks ---

func (s *Store) EnqueueTask(ctx context.Context, t *models.Task) error {
	if s.EnqueueError != nil {
		return s.EnqueueError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Status = models.TaskStatusPending
	t.CreatedAt = s.now()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) ClaimNextTask(ctx context.Context) (*models.Task, error) {
	if s.ClaimTaskError != nil {
		return nil, s.ClaimTaskError
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*models.Task
	for _, t := range s.tasks {
		if t.Status == models.TaskStatusPending {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	t := pending[0]
	started := s.now()
	t.Status = models.TaskStatusProcessing
	t.StartedAt = &started
	cp := *t
	return &cp, nil
}

func (s *Store) CompleteTask(ctx context.Context, id uuid.UUID) error {
	return s.finishTask(id, models.TaskStatusCompleted, "")
}

func (s *Store) FailTask(ctx context.Context, id uuid.UUID, msg string) error {
	return s.finishTask(id, models.TaskStatusFailed, msg)
}

func (s *Store) finishTask(id uuid.UUID, status models.TaskStatus, msg string) error {
	if s.FinishTaskError != nil {
		return s.FinishTaskError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != models.TaskStatusProcessing {
		return models.ErrNotFound
	}
	done := s.now()
	t.Status = status
	t.Error = msg
	t.CompletedAt = &done
	return nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	if s.ReadError != nil {
		return nil, s.ReadError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) CountPendingTasks(ctx context.Context) (int, error) {
	if s.ReadError != nil {
		return 0, s.ReadError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == models.TaskStatusPending {
			n++
		}
	}
	return n, nil
}

// --- Images ---

func (s *Store) CreateImage(ctx context.Context, img *models.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	if img.Status == "" {
		img.Status = models.ImageStatusAwaiting
	}
	img.CreatedAt = s.now()
	img.UpdatedAt = img.CreatedAt
	cp := *img
	s.images[img.ID] = &cp
	return nil
}

func (s *Store) ClaimNextImage(ctx context.Context, lease time.Duration) (*models.Image, error) {
	if s.ClaimImageError != nil {
		return nil, s.ClaimImageError
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Image
	for _, img := range s.images {
		if img.Status != models.ImageStatusAwaiting {
			continue
		}
		if until, leased := s.leases[img.ID]; leased && until.After(time.Now()) {
			continue
		}
		if best == nil || img.CreatedAt.Before(best.CreatedAt) {
			best = img
		}
	}
	if best == nil {
		return nil, nil
	}
	s.leases[best.ID] = time.Now().Add(lease)
	cp := *best
	return &cp, nil
}

func (s *Store) ClaimImage(ctx context.Context, id uuid.UUID, lease time.Duration) (*models.Image, error) {
	if s.ClaimImageError != nil {
		return nil, s.ClaimImageError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok || img.Status != models.ImageStatusAwaiting {
		return nil, nil
	}
	if until, leased := s.leases[id]; leased && until.After(time.Now()) {
		return nil, nil
	}
	s.leases[id] = time.Now().Add(lease)
	cp := *img
	return &cp, nil
}

func (s *Store) GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	if s.ReadError != nil {
		return nil, s.ReadError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return nil, nil
	}
	cp := *img
	return &cp, nil
}

func (s *Store) CompleteImage(ctx context.Context, imageID uuid.UUID, faces []models.Face, placeholder string) error {
	if s.CompleteImageError != nil {
		return s.CompleteImageError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[imageID]
	if !ok || img.Status != models.ImageStatusAwaiting {
		return models.ErrImageNotAwaiting
	}
	for i := range faces {
		f := faces[i]
		f.CreatedAt = s.now()
		s.faces[f.ID] = &f
	}
	img.Status = models.ImageStatusReady
	img.ErrorMessage = ""
	if placeholder != "" && img.Placeholder == "" {
		img.Placeholder = placeholder
	}
	img.UpdatedAt = s.now()
	delete(s.leases, imageID)
	return nil
}

func (s *Store) FailImage(ctx context.Context, imageID uuid.UUID, msg string) error {
	if s.FailImageError != nil {
		return s.FailImageError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[imageID]
	if !ok {
		return models.ErrNotFound
	}
	if img.Status != models.ImageStatusAwaiting {
		return models.ErrImageNotAwaiting
	}
	img.Status = models.ImageStatusError
	img.ErrorMessage = msg
	img.UpdatedAt = s.now()
	delete(s.leases, imageID)
	return nil
}

func (s *Store) ResetImage(ctx context.Context, imageID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[imageID]
	if !ok {
		return models.ErrNotFound
	}
	switch img.Status {
	case models.ImageStatusAwaiting:
		return nil
	case models.ImageStatusError:
		img.Status = models.ImageStatusAwaiting
		img.ErrorMessage = ""
		img.UpdatedAt = s.now()
		return nil
	default:
		return models.ErrImageNotAwaiting
	}
}

func (s *Store) DeleteImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return nil, nil
	}
	delete(s.images, id)
	delete(s.leases, id)
	for fid, f := range s.faces {
		if f.ImageID == id {
			delete(s.faces, fid)
		}
	}
	return img, nil
}

func (s *Store) CountAwaitingImages(ctx context.Context) (int, error) {
	if s.ReadError != nil {
		return 0, s.ReadError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, img := range s.images {
		if img.Status == models.ImageStatusAwaiting {
			n++
		}
	}
	return n, nil
}

// --- Faces ---

// AddFace stores a face row directly.
func (s *Store) AddFace(f models.Face) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	s.faces[f.ID] = &f
}

func (s *Store) ListFacesByImage(ctx context.Context, imageID uuid.UUID) ([]models.Face, error) {
	if s.ReadError != nil {
		return nil, s.ReadError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Face
	for _, f := range s.faces {
		if f.ImageID == imageID {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetFace(ctx context.Context, id uuid.UUID) (*models.Face, error) {
	if s.ReadError != nil {
		return nil, s.ReadError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.faces[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (s *Store) AssignFace(ctx context.Context, pointID, owner uuid.UUID, similarity float32) (bool, error) {
	if s.AssignFaceError != nil {
		return false, s.AssignFaceError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.faces {
		if f.PointID != nil && *f.PointID == pointID {
			if f.OwnerID != nil {
				return false, nil
			}
			o, sim, by := owner, similarity, models.AssignedByAuto
			f.OwnerID, f.Similarity, f.AssignedBy = &o, &sim, &by
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SetFaceOwner(ctx context.Context, faceID uuid.UUID, owner *uuid.UUID, assignedBy string) (*models.Face, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.faces[faceID]
	if !ok {
		return nil, models.ErrNotFound
	}
	f.OwnerID = nil
	f.AssignedBy = nil
	if owner != nil {
		o, by := *owner, assignedBy
		f.OwnerID, f.AssignedBy = &o, &by
	}
	f.Similarity = nil
	cp := *f
	return &cp, nil
}

func (s *Store) FaceOwnersByPoints(ctx context.Context, pointIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	if s.ReadError != nil {
		return nil, s.ReadError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(pointIDs))
	for _, id := range pointIDs {
		want[id] = true
	}
	out := make(map[uuid.UUID]uuid.UUID)
	for _, f := range s.faces {
		if f.PointID == nil || !want[*f.PointID] {
			continue
		}
		owner := uuid.Nil
		if f.OwnerID != nil {
			owner = *f.OwnerID
		}
		out[*f.PointID] = owner
	}
	return out, nil
}

func (s *Store) DeleteFace(ctx context.Context, id uuid.UUID) (*models.Face, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.faces[id]
	if !ok {
		return nil, nil
	}
	delete(s.faces, id)
	return f, nil
}

// --- References ---

func (s *Store) SaveReference(ctx context.Context, ref *models.UserReference) (*models.UserReference, error) {
	if s.SaveReferenceError != nil {
		return nil, s.SaveReferenceError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}
	ref.CreatedAt = s.now()
	prev := s.references[ref.UserID]
	cp := *ref
	cp.Embedding = append([]float32(nil), ref.Embedding...)
	s.references[ref.UserID] = &cp
	return prev, nil
}

func (s *Store) GetReference(ctx context.Context, userID uuid.UUID) (*models.UserReference, error) {
	if s.ReadError != nil {
		return nil, s.ReadError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.references[userID]
	if !ok {
		return nil, nil
	}
	cp := *ref
	return &cp, nil
}

func (s *Store) ListReferences(ctx context.Context) ([]models.UserReference, error) {
	if s.ReadError != nil {
		return nil, s.ReadError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.UserReference, 0, len(s.references))
	for _, r := range s.references {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out, nil
}
