package repository

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/domain/repository"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/logger"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
	blocksCollection        = "blocks"
)

type firestoreConversationRepository struct {
	client *firestore.Client
}

func NewFirestoreConversationRepository(client *firestore.Client) repository.ConversationRepository {
	return &firestoreConversationRepository{
		client: client,
	}
}

func (r *firestoreConversationRepository) Create(ctx context.Context, conversation *entity.Conversation) (string, error) {
	ref := r.client.Collection(conversationsCollection).NewDoc()
	conversation.ID = ref.ID

	if _, err := ref.Create(ctx, conversation); err != nil {
		return "", errors.Internal("Failed to create conversation", err)
	}

	return ref.ID, nil
}

func (r *firestoreConversationRepository) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	doc, err := r.client.Collection(conversationsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.NotFound("Conversation", err)
		}
		return nil, errors.Internal("Failed to get conversation", err)
	}

	return decodeConversation(doc)
}

func (r *firestoreConversationRepository) FindByPair(ctx context.Context, pairKey string, statuses []entity.ConversationStatus) ([]*entity.Conversation, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	query := r.client.Collection(conversationsCollection).
		Where("pairKey", "==", pairKey).
		Where("status", "in", values).
		OrderBy("createdAt", firestore.Asc)

	return r.collect(ctx, query, "FindByPair")
}

func (r *firestoreConversationRepository) ListByMember(ctx context.Context, userID string) ([]*entity.Conversation, error) {
	query := r.client.Collection(conversationsCollection).Where("participants", "array-contains", userID)
	return r.collect(ctx, query, "ListByMember")
}

// Update runs in a transaction so the derived unreadCount written next to
// unreadBy always matches the counters it was computed from.
func (r *firestoreConversationRepository) Update(ctx context.Context, id string, updates []repository.Update) error {
	ref := r.client.Collection(conversationsCollection).Doc(id)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return err
		}

		current, err := decodeConversation(doc)
		if err != nil {
			return err
		}

		writes := make([]firestore.Update, 0, len(updates)+2)
		unread := current.UnreadBy
		for _, u := range updates {
			writes = append(writes, firestore.Update{Path: u.Path, Value: firestoreValue(u.Value)})
			if strings.HasPrefix(u.Path, "unreadBy.") {
				role := entity.Role(strings.TrimPrefix(u.Path, "unreadBy."))
				unread.Set(role, nextCounter(unread.For(role), u.Value))
			}
		}
		writes = append(writes,
			firestore.Update{Path: "unreadCount", Value: int64(unread.Buyer + unread.Producer)},
			firestore.Update{Path: "updatedAt", Value: firestore.ServerTimestamp},
		)

		return tx.Update(ref, writes)
	})
	if err != nil {
		if status.Code(err) == codes.NotFound || errors.Is(err, errors.CodeNotFound) {
			return errors.NotFound("Conversation", err)
		}
		logger.Error("Update Error: conversation %s: %v", id, err)
		return errors.Internal("Failed to update conversation", err)
	}

	return nil
}

func (r *firestoreConversationRepository) Subscribe(ctx context.Context, role entity.Role, userID string) (<-chan repository.ConversationSnapshot, error) {
	query := r.client.Collection(conversationsCollection).
		Where(string(role)+".id", "==", userID).
		Where("status", "!=", string(entity.StatusDeleted))

	it := query.Snapshots(ctx)
	out := make(chan repository.ConversationSnapshot, 1)

	go func() {
		defer close(out)
		defer it.Stop()

		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == codes.Canceled {
					return
				}
				logger.Warn("Subscribe Error: conversations for %s %s: %v", role, userID, err)
				sendConversations(ctx, out, repository.ConversationSnapshot{Err: errors.Translate(err), ReceivedAt: time.Now()})
				return
			}

			docs, err := snap.Documents.GetAll()
			if err != nil {
				sendConversations(ctx, out, repository.ConversationSnapshot{Err: errors.Translate(err), ReceivedAt: time.Now()})
				return
			}

			conversations := make([]*entity.Conversation, 0, len(docs))
			for _, doc := range docs {
				c, err := decodeConversation(doc)
				if err != nil {
					logger.Error("Subscribe Error: skipping conversation %s: %v", doc.Ref.ID, err)
					continue
				}
				conversations = append(conversations, c)
			}

			if !sendConversations(ctx, out, repository.ConversationSnapshot{Conversations: conversations, ReceivedAt: snap.ReadTime}) {
				return
			}
		}
	}()

	return out, nil
}

func (r *firestoreConversationRepository) collect(ctx context.Context, query firestore.Query, op string) ([]*entity.Conversation, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	conversations := make([]*entity.Conversation, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			logger.Error("%s Error: Firestore query failed: %v", op, err)
			return nil, errors.Internal("Failed to query conversations", err)
		}

		c, err := decodeConversation(doc)
		if err != nil {
			logger.Error("%s Error: skipping conversation %s: %v", op, doc.Ref.ID, err)
			continue
		}
		conversations = append(conversations, c)
	}

	return conversations, nil
}

func decodeConversation(doc *firestore.DocumentSnapshot) (*entity.Conversation, error) {
	var c entity.Conversation
	if err := doc.DataTo(&c); err != nil {
		return nil, errors.Internal("Failed to parse conversation data", err)
	}
	c.ID = doc.Ref.ID
	return &c, nil
}

func firestoreValue(v interface{}) interface{} {
	switch value := v.(type) {
	case repository.IncrementValue:
		return firestore.Increment(value.Delta)
	case entity.ConversationStatus:
		return string(value)
	}
	if repository.IsServerTimestamp(v) {
		return firestore.ServerTimestamp
	}
	return v
}

func nextCounter(current uint32, v interface{}) uint32 {
	switch n := v.(type) {
	case repository.IncrementValue:
		next := int64(current) + int64(n.Delta)
		if next < 0 {
			return 0
		}
		return uint32(next)
	case int:
		return uint32(n)
	}
	return current
}

func sendConversations(ctx context.Context, out chan<- repository.ConversationSnapshot, snap repository.ConversationSnapshot) bool {
	select {
	case out <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}
