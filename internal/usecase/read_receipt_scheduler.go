package usecase

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ScrollDecision tells the UI what to do after new messages arrived.
type ScrollDecision struct {
	AutoScroll  bool
	NewMessages int
}

// ReadReceiptScheduler decides when the open conversation counts as read:
// the view must be focused and scrolled to the bottom for a full debounce
// window while unread messages exist.
type ReadReceiptScheduler struct {
	clock    clock.Clock
	debounce time.Duration
	unread   func(conversationID string) uint32
	onDue    func(conversationID string, generation uint64)

	mu             sync.Mutex
	conversationID string
	focused        bool
	atBottom       bool
	newMessages    int
	timer          *clock.Timer
	generation     uint64
}

func NewReadReceiptScheduler(clk clock.Clock, debounce time.Duration, unread func(string) uint32) *ReadReceiptScheduler {
	return &ReadReceiptScheduler{
		clock:    clk,
		debounce: debounce,
		unread:   unread,
		focused:  true,
	}
}

// Notify sets the callback fired when a scheduled mark-read is due.
func (s *ReadReceiptScheduler) Notify(onDue func(string, uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDue = onDue
}

// Open starts tracking a conversation. The view opens scrolled to the bottom.
func (s *ReadReceiptScheduler) Open(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversationID = conversationID
	s.atBottom = true
	s.newMessages = 0
	s.rescheduleLocked()
}

func (s *ReadReceiptScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	s.conversationID = ""
	s.newMessages = 0
}

// OnScroll records the scroll position. Reaching the bottom clears the new
// messages affordance.
func (s *ReadReceiptScheduler) OnScroll(atBottom bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.atBottom = atBottom
	if atBottom {
		s.newMessages = 0
	}
	s.rescheduleLocked()
}

func (s *ReadReceiptScheduler) OnFocus(focused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.focused = focused
	s.rescheduleLocked()
}

// JumpToLatest is the user clicking the new messages affordance.
func (s *ReadReceiptScheduler) JumpToLatest() {
	s.OnScroll(true)
}

// OnNewMessages decides between auto-scrolling and counting n more unseen messages.
func (s *ReadReceiptScheduler) OnNewMessages(n int) ScrollDecision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || s.conversationID == "" {
		return ScrollDecision{}
	}
	if s.atBottom {
		s.rescheduleLocked()
		return ScrollDecision{AutoScroll: true}
	}
	s.newMessages += n
	return ScrollDecision{NewMessages: s.newMessages}
}

// Reevaluate re-checks the conditions after the unread counter changed.
func (s *ReadReceiptScheduler) Reevaluate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil {
		s.rescheduleLocked()
	}
}

// Due confirms a timer firing is still current and the conditions still hold.
func (s *ReadReceiptScheduler) Due(conversationID string, generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation || conversationID != s.conversationID {
		return false
	}
	s.timer = nil
	return s.activeLocked()
}

func (s *ReadReceiptScheduler) NewMessages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newMessages
}

func (s *ReadReceiptScheduler) AtBottom() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atBottom
}

// Pending reports whether a mark-read is scheduled.
func (s *ReadReceiptScheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *ReadReceiptScheduler) activeLocked() bool {
	return s.conversationID != "" && s.focused && s.atBottom && s.unread(s.conversationID) > 0
}

func (s *ReadReceiptScheduler) rescheduleLocked() {
	s.cancelLocked()
	if !s.activeLocked() {
		return
	}

	s.generation++
	generation := s.generation
	conversationID := s.conversationID
	onDue := s.onDue
	s.timer = s.clock.AfterFunc(s.debounce, func() {
		if onDue != nil {
			onDue(conversationID, generation)
		}
	})
}

func (s *ReadReceiptScheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++
}
