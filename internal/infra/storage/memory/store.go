// Package memory provides an in-memory implementation of the ingestion
// repositories. It enforces the same uniqueness rules as the Postgres schema,
// which makes it suitable for exercising concurrent ingestion in tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
)

var (
	_ jobresult.VideoRepository      = (*Store)(nil)
	_ jobresult.QuestionRepository   = (*Store)(nil)
	_ jobresult.AssignmentRepository = (*Store)(nil)
)

// Video is the subset of video columns this subsystem touches.
type Video struct {
	ID                 string
	TranscriptURL      string
	CompressedVideoURL string
}

// Store holds videos, assignments and questions behind a single mutex.
type Store struct {
	mu sync.RWMutex

	videos      map[string]*Video
	assignments map[uuid.UUID]*jobresult.Progress
	questions   map[uuid.UUID][]jobresult.Question

	// InsertHook, when set, runs before each insert and may veto it.
	InsertHook func(q *jobresult.Question) error
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		videos:      make(map[string]*Video),
		assignments: make(map[uuid.UUID]*jobresult.Progress),
		questions:   make(map[uuid.UUID][]jobresult.Question),
	}
}

// PutVideo seeds a video row.
func (s *Store) PutVideo(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videos[id] = &Video{ID: id}
}

// Video returns a copy of the video row.
func (s *Store) Video(id string) (Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.videos[id]
	if !ok {
		return Video{}, false
	}
	return *v, true
}

// PutAssignment seeds an assignment row.
func (s *Store) PutAssignment(p jobresult.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.assignments[p.AssignmentID] = &cp
}

// Assignment returns a copy of the assignment's progress.
func (s *Store) Assignment(id uuid.UUID) (jobresult.Progress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.assignments[id]
	if !ok {
		return jobresult.Progress{}, false
	}
	return *p, true
}

// Questions returns the assignment's questions sorted by space then index.
func (s *Store) Questions(assignmentID uuid.UUID) []jobresult.Question {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]jobresult.Question(nil), s.questions[assignmentID]...)
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Type.Space(), out[j].Type.Space()
		if si != sj {
			return si < sj
		}
		return out[i].OrderIndex < out[j].OrderIndex
	})
	return out
}

// SetTranscriptURL implements jobresult.VideoRepository.
func (s *Store) SetTranscriptURL(_ context.Context, videoID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[videoID]
	if !ok {
		return fmt.Errorf("%w: %s", jobresult.ErrVideoNotFound, videoID)
	}
	v.TranscriptURL = url
	return nil
}

// SetCompressedURL implements jobresult.VideoRepository.
func (s *Store) SetCompressedURL(_ context.Context, videoID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[videoID]
	if !ok {
		return fmt.Errorf("%w: %s", jobresult.ErrVideoNotFound, videoID)
	}
	v.CompressedVideoURL = url
	return nil
}

// MaxOrderIndex implements jobresult.QuestionRepository.
func (s *Store) MaxOrderIndex(_ context.Context, assignmentID uuid.UUID, space jobresult.NumberingSpace) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	maxIdx := 0
	for _, q := range s.questions[assignmentID] {
		if q.Type.Space() == space && q.OrderIndex > maxIdx {
			maxIdx = q.OrderIndex
		}
	}
	return maxIdx, nil
}

// ExistsByPrompt implements jobresult.QuestionRepository.
func (s *Store) ExistsByPrompt(_ context.Context, assignmentID uuid.UUID, prompt string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.promptExistsLocked(assignmentID, prompt), nil
}

// OrderIndexTaken implements jobresult.QuestionRepository.
func (s *Store) OrderIndexTaken(
	_ context.Context,
	assignmentID uuid.UUID,
	space jobresult.NumberingSpace,
	orderIndex int,
) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexTakenLocked(assignmentID, space, orderIndex), nil
}

// Insert implements jobresult.QuestionRepository.
func (s *Store) Insert(_ context.Context, q *jobresult.Question) error {
	if s.InsertHook != nil {
		if err := s.InsertHook(q); err != nil {
			return err
		}
	}

	// Postgres text columns reject NUL bytes.
	if strings.ContainsRune(q.PromptMarkdown, 0) {
		return fmt.Errorf("%w: prompt contains a NUL byte", jobresult.ErrInvalidQuestion)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assignments[q.AssignmentID]; !ok {
		return fmt.Errorf("%w: %s", jobresult.ErrAssignmentNotFound, q.AssignmentID)
	}
	if s.indexTakenLocked(q.AssignmentID, q.Type.Space(), q.OrderIndex) {
		return fmt.Errorf("%w: %d", jobresult.ErrOrderIndexConflict, q.OrderIndex)
	}
	if s.promptExistsLocked(q.AssignmentID, q.PromptMarkdown) {
		return jobresult.ErrDuplicateQuestion
	}
	s.questions[q.AssignmentID] = append(s.questions[q.AssignmentID], *q)
	return nil
}

func (s *Store) promptExistsLocked(assignmentID uuid.UUID, prompt string) bool {
	for _, q := range s.questions[assignmentID] {
		if q.PromptMarkdown == prompt {
			return true
		}
	}
	return false
}

func (s *Store) indexTakenLocked(assignmentID uuid.UUID, space jobresult.NumberingSpace, idx int) bool {
	for _, q := range s.questions[assignmentID] {
		if q.Type.Space() == space && q.OrderIndex == idx {
			return true
		}
	}
	return false
}

// IncrementGeneratedTypes implements jobresult.AssignmentRepository.
func (s *Store) IncrementGeneratedTypes(_ context.Context, assignmentID uuid.UUID) (jobresult.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.assignments[assignmentID]
	if !ok {
		return jobresult.Progress{}, fmt.Errorf("%w: %s", jobresult.ErrAssignmentNotFound, assignmentID)
	}
	p.GeneratedTypes++
	return *p, nil
}

// MarkReadyForReview implements jobresult.AssignmentRepository.
func (s *Store) MarkReadyForReview(_ context.Context, assignmentID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.assignments[assignmentID]
	if !ok {
		return false, fmt.Errorf("%w: %s", jobresult.ErrAssignmentNotFound, assignmentID)
	}
	switch p.Status {
	case jobresult.AssignmentStatusDraft, jobresult.AssignmentStatusGenerating:
		p.Status = jobresult.AssignmentStatusReadyForReview
		return true, nil
	default:
		return false, nil
	}
}
