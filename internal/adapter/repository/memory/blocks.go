package memory

import (
	"context"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/domain/repository"
)

type BlockRepository struct {
	store *Store
}

var _ repository.BlockRepository = (*BlockRepository)(nil)

func (r *BlockRepository) Create(ctx context.Context, block *entity.Block) error {
	if err := r.store.check(ctx, OpCreateBlock); err != nil {
		return err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	b := *block
	b.ID = newID()
	b.CreatedAt = s.stamp()
	s.blocks = append(s.blocks, &b)
	s.writes[OpCreateBlock]++
	return nil
}

func (r *BlockRepository) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	if err := r.store.check(ctx, OpQueryConversations); err != nil {
		return false, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.blocks {
		if b.BlockerID == blockerID && b.BlockedID == blockedID && b.Status == "active" {
			return true, nil
		}
	}
	return false, nil
}
