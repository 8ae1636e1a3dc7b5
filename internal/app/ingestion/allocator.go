package ingestion

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

// indexAllocator hands out order indexes for one batch. It keeps a running
// maximum and the set of indexes already claimed per numbering space, but
// every candidate is still checked against the store because other replicas
// insert for the same assignment concurrently.
type indexAllocator struct {
	store        jobresult.QuestionRepository
	assignmentID uuid.UUID
	maxAttempts  int
	logger       *logger.Logger

	running map[jobresult.NumberingSpace]int
	claimed map[jobresult.NumberingSpace]map[int]struct{}
}

func newIndexAllocator(
	ctx context.Context,
	store jobresult.QuestionRepository,
	assignmentID uuid.UUID,
	maxAttempts int,
	log *logger.Logger,
) (*indexAllocator, error) {
	a := &indexAllocator{
		store:        store,
		assignmentID: assignmentID,
		maxAttempts:  maxAttempts,
		logger:       log,
		running:      make(map[jobresult.NumberingSpace]int, len(jobresult.Spaces)),
		claimed:      make(map[jobresult.NumberingSpace]map[int]struct{}, len(jobresult.Spaces)),
	}
	for _, space := range jobresult.Spaces {
		max, err := store.MaxOrderIndex(ctx, assignmentID, space)
		if err != nil {
			return nil, fmt.Errorf("read max order index for %s: %w", space, err)
		}
		a.running[space] = max
		a.claimed[space] = make(map[int]struct{})
	}
	return a, nil
}

// resolve accepts a declared index when nothing in this batch or the store
// holds it, and otherwise probes for the next free one.
func (a *indexAllocator) resolve(ctx context.Context, space jobresult.NumberingSpace, declared *int) (int, error) {
	if declared != nil && !a.isClaimed(space, *declared) {
		taken, err := a.store.OrderIndexTaken(ctx, a.assignmentID, space, *declared)
		if err != nil {
			return 0, fmt.Errorf("check order index %d: %w", *declared, err)
		}
		if !taken {
			return *declared, nil
		}
	}
	return a.probe(ctx, space)
}

// probe walks upward from the running maximum one candidate at a time. After
// maxAttempts candidates it gives up searching and returns the last one; the
// insert's unique constraint then decides.
func (a *indexAllocator) probe(ctx context.Context, space jobresult.NumberingSpace) (int, error) {
	candidate := a.running[space] + 1
	for attempt := 1; ; attempt++ {
		if !a.isClaimed(space, candidate) {
			taken, err := a.store.OrderIndexTaken(ctx, a.assignmentID, space, candidate)
			if err != nil {
				return 0, fmt.Errorf("check order index %d: %w", candidate, err)
			}
			if !taken {
				return candidate, nil
			}
		}
		if attempt >= a.maxAttempts {
			a.logger.Warn(ctx, "order index probe exhausted, using last candidate",
				"space", space, "candidate", candidate, "attempts", attempt)
			return candidate, nil
		}
		candidate++
	}
}

// claim marks idx as used by this batch and raises the running maximum.
func (a *indexAllocator) claim(space jobresult.NumberingSpace, idx int) {
	a.claimed[space][idx] = struct{}{}
	if idx > a.running[space] {
		a.running[space] = idx
	}
}

func (a *indexAllocator) isClaimed(space jobresult.NumberingSpace, idx int) bool {
	_, ok := a.claimed[space][idx]
	return ok
}
