package repository

import (
	"context"
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

type firestoreMessageRepository struct {
	client *firestore.Client
}

func NewFirestoreMessageRepository(client *firestore.Client) repository.MessageRepository {
	return &firestoreMessageRepository{
		client: client,
	}
}

func (r *firestoreMessageRepository) messages(conversationID string) *firestore.CollectionRef {
	return r.client.Collection(conversationsCollection).Doc(conversationID).Collection(messagesCollection)
}

func (r *firestoreMessageRepository) Create(ctx context.Context, message *entity.Message) (*entity.Message, error) {
	stored := message.Clone()
	ref := r.messages(message.ConversationID).NewDoc()
	stored.ID = ref.ID
	stored.Timestamp = time.Time{}
	stored.Delivered = true
	stored.State = ""
	stored.Err = ""
	if stored.ReadBy == nil {
		stored.ReadBy = []string{}
	}

	wr, err := ref.Create(ctx, stored)
	if err != nil {
		return nil, errors.Internal("Failed to create message", err)
	}

	// the server timestamp sentinel resolves to the commit time
	stored.Timestamp = wr.UpdateTime
	return stored, nil
}

func (r *firestoreMessageRepository) GetByID(ctx context.Context, conversationID, id string) (*entity.Message, error) {
	doc, err := r.messages(conversationID).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.NotFound("Message", err)
		}
		return nil, errors.Internal("Failed to get message", err)
	}

	return decodeMessage(doc)
}

func (r *firestoreMessageRepository) ListRecent(ctx context.Context, conversationID string, limit int) ([]*entity.Message, error) {
	query := r.messages(conversationID).OrderBy("timestamp", firestore.Desc).Limit(limit)

	msgs, err := collectMessages(query.Documents(ctx), "ListRecent")
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (r *firestoreMessageRepository) ListBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]*entity.Message, error) {
	cursor, err := r.messages(conversationID).Doc(beforeID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.NotFound("Message", err)
		}
		return nil, errors.Internal("Failed to get cursor message", err)
	}

	query := r.messages(conversationID).
		OrderBy("timestamp", firestore.Desc).
		StartAfter(cursor).
		Limit(limit)

	msgs, err := collectMessages(query.Documents(ctx), "ListBefore")
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (r *firestoreMessageRepository) MarkRead(ctx context.Context, conversationID string, senderRole entity.Role, readerID string) (int, error) {
	docs, err := r.messages(conversationID).
		Where("senderRole", "==", string(senderRole)).
		Where("read", "==", false).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, errors.Internal("Failed to query unread messages", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	bw := r.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := bw.Update(doc.Ref, []firestore.Update{
			{Path: "read", Value: true},
			{Path: "readBy", Value: firestore.ArrayUnion(readerID)},
		})
		if err != nil {
			logger.Warn("MarkRead Error: queue update for message %s: %v", doc.Ref.ID, err)
			continue
		}
		jobs = append(jobs, job)
	}
	bw.End()

	marked := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			logger.Warn("MarkRead Error: conversation %s: %v", conversationID, err)
			continue
		}
		marked++
	}
	return marked, nil
}

func (r *firestoreMessageRepository) Subscribe(ctx context.Context, conversationID string, since time.Time, limit int) (<-chan repository.MessageSnapshot, error) {
	query := r.messages(conversationID).OrderBy("timestamp", firestore.Asc)
	newestFirst := false
	if since.IsZero() {
		query = r.messages(conversationID).OrderBy("timestamp", firestore.Desc).Limit(limit)
		newestFirst = true
	} else {
		query = query.Where("timestamp", ">=", since)
	}

	it := query.Snapshots(ctx)
	out := make(chan repository.MessageSnapshot, 1)

	go func() {
		defer close(out)
		defer it.Stop()

		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == codes.Canceled {
					return
				}
				logger.Warn("Subscribe Error: messages of %s: %v", conversationID, err)
				select {
				case out <- repository.MessageSnapshot{Err: errors.Translate(err), ReceivedAt: time.Now()}:
				case <-ctx.Done():
				}
				return
			}

			msgs, err := collectMessages(snap.Documents, "Subscribe")
			if err != nil {
				select {
				case out <- repository.MessageSnapshot{Err: errors.Translate(err), ReceivedAt: time.Now()}:
				case <-ctx.Done():
				}
				return
			}
			if newestFirst {
				reverse(msgs)
			}

			select {
			case out <- repository.MessageSnapshot{Messages: msgs, ReceivedAt: snap.ReadTime}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func collectMessages(iter *firestore.DocumentIterator, op string) ([]*entity.Message, error) {
	defer iter.Stop()

	msgs := make([]*entity.Message, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			logger.Error("%s Error: Firestore message query failed: %v", op, err)
			return nil, errors.Internal("Failed to iterate messages", err)
		}

		m, err := decodeMessage(doc)
		if err != nil {
			logger.Error("%s Error: skipping message %s: %v", op, doc.Ref.ID, err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func decodeMessage(doc *firestore.DocumentSnapshot) (*entity.Message, error) {
	var m entity.Message
	if err := doc.DataTo(&m); err != nil {
		return nil, errors.Internal("Failed to parse message data", err)
	}
	m.ID = doc.Ref.ID
	return &m, nil
}

func reverse(msgs []*entity.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
