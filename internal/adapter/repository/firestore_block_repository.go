package repository

import (
	"context"

	"cloud.google.com/go/firestore"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/domain/repository"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
)

type firestoreBlockRepository struct {
	client *firestore.Client
}

func NewFirestoreBlockRepository(client *firestore.Client) repository.BlockRepository {
	return &firestoreBlockRepository{
		client: client,
	}
}

func (r *firestoreBlockRepository) Create(ctx context.Context, block *entity.Block) error {
	ref := r.client.Collection(blocksCollection).NewDoc()
	block.ID = ref.ID

	if _, err := ref.Create(ctx, block); err != nil {
		return errors.Internal("Failed to create block", err)
	}
	return nil
}

func (r *firestoreBlockRepository) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	docs, err := r.client.Collection(blocksCollection).
		Where("blockerId", "==", blockerID).
		Where("blockedId", "==", blockedID).
		Where("status", "==", "active").
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return false, errors.Internal("Failed to query blocks", err)
	}
	return len(docs) > 0, nil
}
