package usecase

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/domain/repository"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/lock"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/logger"
)

const blockStatusActive = "active"

// ConversationRegistry is the session's view of the conversations the user
// takes part in under one role. Store snapshots are authoritative; local
// optimistic changes are kept as overlays until their write completes.
type ConversationRegistry struct {
	repo   repository.ConversationRepository
	blocks repository.BlockRepository
	locker lock.Locker
	userID string
	role   entity.Role

	mu sync.RWMutex
	// conversations holds one stable pointer per id, refreshed in place.
	conversations map[string]*entity.Conversation
	authoritative map[string]*entity.Conversation
	overlays      map[string][]*overlay
	overlaySeq    uint64
	hidden        map[string]string
	reported      map[string]bool
	// closed remembers blocked and deleted conversations; a late snapshot
	// from before the transition must not reopen them.
	closed     map[string]entity.ConversationStatus
	selectedID string
}

type overlay struct {
	seq   uint64
	apply func(*entity.Conversation)
}

type CreateConversationInput struct {
	Counterpart entity.Participant
	Product     *entity.ProductRef
	Message     string
}

func NewConversationRegistry(
	repo repository.ConversationRepository,
	blocks repository.BlockRepository,
	locker lock.Locker,
	userID string,
	role entity.Role,
) *ConversationRegistry {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &ConversationRegistry{
		repo:          repo,
		blocks:        blocks,
		locker:        locker,
		userID:        userID,
		role:          role,
		conversations: make(map[string]*entity.Conversation),
		authoritative: make(map[string]*entity.Conversation),
		overlays:      make(map[string][]*overlay),
		hidden:        make(map[string]string),
		reported:      make(map[string]bool),
		closed:        make(map[string]entity.ConversationStatus),
	}
}

// Apply replaces the authoritative set with a subscription snapshot and
// returns every visible conversation, newest activity first.
func (r *ConversationRegistry) Apply(snapshot []*entity.Conversation) []*entity.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	present := make(map[string]bool, len(snapshot))
	for _, in := range snapshot {
		present[in.ID] = true
		r.authoritative[in.ID] = in.Clone()
		r.refreshLocked(in.ID)
	}

	for id := range r.authoritative {
		if !present[id] {
			r.dropLocked(id)
		}
	}

	r.detectDuplicatesLocked()
	return r.visibleLocked(func(*entity.Conversation) bool { return true })
}

// Upsert records a conversation read outside the subscription, e.g. right
// after creating it.
func (r *ConversationRegistry) Upsert(conversation *entity.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.authoritative[conversation.ID] = conversation.Clone()
	r.refreshLocked(conversation.ID)
	r.detectDuplicatesLocked()
}

// Purge forgets a conversation the store no longer has.
func (r *ConversationRegistry) Purge(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(id)
}

// Refresh drops released overlays from the cached view, used after a failed
// write so the UI falls back to the store's state.
func (r *ConversationRegistry) Refresh(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshLocked(id)
}

// Overlay applies fn to the cached conversation now and to every snapshot
// until release is called.
func (r *ConversationRegistry) Overlay(id string, fn func(*entity.Conversation)) (release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.overlaySeq++
	ov := &overlay{seq: r.overlaySeq, apply: fn}
	r.overlays[id] = append(r.overlays[id], ov)
	if c, ok := r.conversations[id]; ok {
		fn(c)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			list := r.overlays[id]
			for i, o := range list {
				if o.seq == ov.seq {
					r.overlays[id] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(r.overlays[id]) == 0 {
				delete(r.overlays, id)
			}
		})
	}
}

func (r *ConversationRegistry) Get(id string) (*entity.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conversations[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Resolve returns the cached conversation or reads it from the store.
func (r *ConversationRegistry) Resolve(ctx context.Context, id string) (*entity.Conversation, error) {
	if c, ok := r.Get(id); ok {
		return c, nil
	}

	c, err := r.repo.GetByID(ctx, id)
	if err != nil {
		err = errors.Translate(err)
		if errors.Is(err, errors.CodeNotFound) {
			r.Purge(id)
		}
		return nil, err
	}
	if _, ok := c.RoleOf(r.userID); !ok {
		return nil, errors.Forbidden("Not a participant of this conversation", nil)
	}
	if c.Status == entity.StatusDeleted {
		return nil, errors.NotFound("Conversation", nil)
	}

	r.Upsert(c)
	return c, nil
}

func (r *ConversationRegistry) List(filter entity.ConversationFilter) []*entity.Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.visibleLocked(func(c *entity.Conversation) bool {
		return c.Matches(filter, r.role)
	})
}

func (r *ConversationRegistry) Search(query string, filter entity.ConversationFilter) []*entity.Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.visibleLocked(func(c *entity.Conversation) bool {
		return c.Matches(filter, r.role) && c.Search(query, r.role)
	})
}

// TotalUnread sums the caller's counter over live conversations.
func (r *ConversationRegistry) TotalUnread() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total uint32
	for id, c := range r.conversations {
		if _, dup := r.hidden[id]; dup || c.Closed() {
			continue
		}
		total += c.UnreadBy.For(r.role)
	}
	return total
}

func (r *ConversationRegistry) Select(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if canonical, ok := r.hidden[id]; ok {
		id = canonical
	}
	r.selectedID = id
}

func (r *ConversationRegistry) Deselect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selectedID = ""
}

func (r *ConversationRegistry) SelectedID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectedID
}

func (r *ConversationRegistry) Selected() (*entity.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conversations[r.selectedID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Canonical maps a hidden duplicate to the conversation that replaces it.
func (r *ConversationRegistry) Canonical(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.hidden[id]; ok {
		return canonical
	}
	return id
}

// Create opens the conversation between the caller and in.Counterpart,
// reusing a live one when it exists, then sends the first message through
// sendFirst. The whole sequence runs under the pair lock.
func (r *ConversationRegistry) Create(
	ctx context.Context,
	self entity.Participant,
	in CreateConversationInput,
	sendFirst func(ctx context.Context, conversationID string) error,
) (string, error) {
	buyer, producer := self, in.Counterpart
	if r.role == entity.RoleProducer {
		buyer, producer = in.Counterpart, self
	}
	if buyer.ID == producer.ID {
		return "", errors.BadRequest("Cannot start a conversation with yourself", nil)
	}
	key := entity.PairKey(buyer.ID, producer.ID)

	unlock, err := r.locker.Lock(ctx, key)
	if err != nil {
		return "", errors.NetworkError("Failed to acquire conversation lock", err)
	}
	defer unlock()

	existing, err := r.repo.FindByPair(ctx, key, []entity.ConversationStatus{
		entity.StatusActive, entity.StatusArchived, entity.StatusBlocked,
	})
	if err != nil {
		logger.Warn("CreateConversation Error: lookup pair %s: %v", key, err)
		return "", errors.Translate(err)
	}

	live := make([]*entity.Conversation, 0, len(existing))
	for _, c := range existing {
		if c.Status == entity.StatusBlocked {
			return "", errors.ConversationClosed(c.ID)
		}
		// the same two users may also talk with swapped roles
		if c.HasRoles(buyer.ID, producer.ID) {
			live = append(live, c)
		}
	}

	var id string
	if len(live) > 0 {
		canonical := earliest(live)
		r.reportDuplicates(key, live, canonical)
		id = canonical.ID

		if canonical.Status != entity.StatusActive {
			if err := r.repo.Update(ctx, id, []repository.Update{
				{Path: repository.FieldStatus, Value: entity.StatusActive},
			}); err != nil {
				logger.Warn("CreateConversation Error: reactivate %s: %v", id, err)
				return "", errors.Translate(err)
			}
			canonical.Status = entity.StatusActive
		}
		r.Upsert(canonical)
	} else {
		id, err = r.createLocked(ctx, buyer, producer, in.Product)
		if err != nil {
			return "", err
		}
	}

	if sendFirst != nil && strings.TrimSpace(in.Message) != "" {
		if err := sendFirst(ctx, id); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (r *ConversationRegistry) createLocked(ctx context.Context, buyer, producer entity.Participant, product *entity.ProductRef) (string, error) {
	if buyer.Avatar == "" {
		buyer.Avatar = entity.AvatarFor(buyer.Name)
	}
	if producer.Avatar == "" {
		producer.Avatar = entity.AvatarFor(producer.Name)
	}
	conv := entity.NewConversation(buyer, producer, product)

	id, err := r.repo.Create(ctx, conv)
	if err != nil {
		logger.Warn("CreateConversation Error: create %s: %v", conv.PairKey, err)
		return "", errors.Translate(err)
	}

	// another process without the shared lock may have created the pair too
	found, err := r.repo.FindByPair(ctx, conv.PairKey, []entity.ConversationStatus{entity.StatusActive, entity.StatusArchived})
	live := make([]*entity.Conversation, 0, len(found))
	for _, c := range found {
		if c.HasRoles(buyer.ID, producer.ID) {
			live = append(live, c)
		}
	}
	if err != nil {
		logger.Warn("CreateConversation Error: recheck pair %s: %v", conv.PairKey, err)
	} else if len(live) > 1 {
		canonical := earliest(live)
		if canonical.ID != id {
			logger.Warn("CreateConversation: %v, discarding %s for %s",
				errors.ConflictingCreate("duplicate conversation for pair "+conv.PairKey), id, canonical.ID)
			if err := r.repo.Update(ctx, id, []repository.Update{
				{Path: repository.FieldStatus, Value: entity.StatusDeleted},
			}); err != nil {
				logger.Warn("CreateConversation Error: discard duplicate %s: %v", id, err)
			}
			r.Upsert(canonical)
			return canonical.ID, nil
		}
	}

	created, err := r.repo.GetByID(ctx, id)
	if err != nil {
		logger.Warn("CreateConversation Error: read back %s: %v", id, err)
		conv.ID = id
		created = conv
	}
	r.Upsert(created)
	return id, nil
}

// SetStatus moves a conversation between active and archived, or closes it
// for good with blocked or deleted.
func (r *ConversationRegistry) SetStatus(ctx context.Context, id string, status entity.ConversationStatus) error {
	if !status.Valid() {
		return errors.BadRequest("Unknown conversation status "+string(status), nil)
	}

	conv, err := r.Resolve(ctx, id)
	if err != nil {
		return err
	}
	if conv.Status == status {
		return nil
	}
	if conv.Closed() {
		return errors.ConversationClosed(id)
	}

	release := r.Overlay(id, func(c *entity.Conversation) { c.Status = status })
	defer release()

	if err := r.repo.Update(ctx, id, []repository.Update{{Path: repository.FieldStatus, Value: status}}); err != nil {
		release()
		err = errors.Translate(err)
		if errors.Is(err, errors.CodeNotFound) {
			r.Purge(id)
		} else {
			r.Refresh(id)
		}
		logger.Warn("SetStatus Error: conversation %s to %s: %v", id, status, err)
		return err
	}
	if status.Terminal() {
		r.markClosed(id, status)
	}
	return nil
}

// BlockUser records a block and closes every conversation between the
// caller and otherUserID.
func (r *ConversationRegistry) BlockUser(ctx context.Context, otherUserID string) error {
	if otherUserID == "" || otherUserID == r.userID {
		return errors.BadRequest("Invalid user to block", nil)
	}

	if err := r.blocks.Create(ctx, &entity.Block{
		BlockerID: r.userID,
		BlockedID: otherUserID,
		Status:    blockStatusActive,
	}); err != nil {
		logger.Warn("BlockUser Error: record block %s -> %s: %v", r.userID, otherUserID, err)
		return errors.Translate(err)
	}

	conversations, err := r.repo.ListByMember(ctx, r.userID)
	if err != nil {
		return errors.Translate(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range conversations {
		if c.Closed() || !hasParticipant(c, otherUserID) {
			continue
		}
		g.Go(func() error {
			release := r.Overlay(c.ID, func(conv *entity.Conversation) { conv.Status = entity.StatusBlocked })
			defer release()
			err := r.repo.Update(gctx, c.ID, []repository.Update{
				{Path: repository.FieldStatus, Value: entity.StatusBlocked},
			})
			if err != nil {
				release()
				r.Refresh(c.ID)
				return err
			}
			r.markClosed(c.ID, entity.StatusBlocked)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Warn("BlockUser Error: close conversations with %s: %v", otherUserID, err)
		return errors.Translate(err)
	}
	return nil
}

func (r *ConversationRegistry) markClosed(id string, status entity.ConversationStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[id] = status
	r.refreshLocked(id)
}

func (r *ConversationRegistry) reportDuplicates(key string, live []*entity.Conversation, canonical *entity.Conversation) {
	if len(live) < 2 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range live {
		if c.ID != canonical.ID {
			r.hideLocked(c.ID, canonical.ID, key)
		}
	}
}

// refreshLocked rebuilds the cached view of id from its authoritative copy
// plus pending overlays, keeping the pointer identity.
func (r *ConversationRegistry) refreshLocked(id string) {
	auth, ok := r.authoritative[id]
	if !ok {
		return
	}
	view := auth.Clone()
	if view.Closed() {
		r.closed[id] = view.Status
	} else if status, ok := r.closed[id]; ok {
		view.Status = status
	}
	for _, ov := range r.overlays[id] {
		ov.apply(view)
	}
	if existing, ok := r.conversations[id]; ok {
		*existing = *view
		return
	}
	r.conversations[id] = view
}

func (r *ConversationRegistry) dropLocked(id string) {
	delete(r.authoritative, id)
	delete(r.conversations, id)
	delete(r.hidden, id)
	if r.selectedID == id {
		r.selectedID = ""
	}
}

func (r *ConversationRegistry) detectDuplicatesLocked() {
	byPair := make(map[string][]*entity.Conversation)
	for _, c := range r.conversations {
		if c.Status == entity.StatusActive || c.Status == entity.StatusArchived {
			key := c.Buyer.ID + "/" + c.Producer.ID
			byPair[key] = append(byPair[key], c)
		}
	}

	r.hidden = make(map[string]string)
	for key, list := range byPair {
		if len(list) < 2 {
			continue
		}
		canonical := earliest(list)
		for _, c := range list {
			if c.ID != canonical.ID {
				r.hideLocked(c.ID, canonical.ID, key)
			}
		}
	}
}

func (r *ConversationRegistry) hideLocked(id, canonicalID, key string) {
	r.hidden[id] = canonicalID
	if !r.reported[id] {
		r.reported[id] = true
		logger.Warn("ConversationRegistry: %v, hiding %s in favor of %s",
			errors.ConflictingCreate("duplicate conversation for pair "+key), id, canonicalID)
	}
}

func (r *ConversationRegistry) visibleLocked(keep func(*entity.Conversation) bool) []*entity.Conversation {
	out := make([]*entity.Conversation, 0, len(r.conversations))
	for id, c := range r.conversations {
		if _, dup := r.hidden[id]; dup {
			continue
		}
		if c.Status == entity.StatusDeleted || !keep(c) {
			continue
		}
		out = append(out, c.Clone())
	}
	entity.SortByRecent(out)
	return out
}

func earliest(list []*entity.Conversation) *entity.Conversation {
	sorted := append([]*entity.Conversation(nil), list...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}

func hasParticipant(c *entity.Conversation, userID string) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return c.Buyer.ID == userID || c.Producer.ID == userID
}
