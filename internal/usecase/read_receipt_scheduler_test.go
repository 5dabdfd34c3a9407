package usecase

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

type dueRecorder struct {
	mu    sync.Mutex
	fired []string
	s     *ReadReceiptScheduler
}

func (r *dueRecorder) onDue(id string, generation uint64) {
	if !r.s.Due(id, generation) {
		return
	}
	r.mu.Lock()
	r.fired = append(r.fired, id)
	r.mu.Unlock()
}

func (r *dueRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func newScheduler(unread uint32) (*ReadReceiptScheduler, *dueRecorder, *clock.Mock) {
	clk := clock.NewMock()
	s := NewReadReceiptScheduler(clk, 500*time.Millisecond, func(string) uint32 { return unread })
	rec := &dueRecorder{s: s}
	s.Notify(rec.onDue)
	return s, rec, clk
}

func TestMarkReadFiresAfterDebounce(t *testing.T) {
	s, rec, clk := newScheduler(3)

	s.Open("c1")
	assert.True(t, s.Pending())

	clk.Add(499 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	clk.Add(time.Millisecond)
	assert.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	assert.False(t, s.Pending())
}

func TestScrollAwayCancelsMarkRead(t *testing.T) {
	s, rec, clk := newScheduler(3)

	s.Open("c1")
	clk.Add(300 * time.Millisecond)
	s.OnScroll(false)
	assert.False(t, s.Pending())

	clk.Add(time.Second)
	assert.Equal(t, 0, rec.count())

	s.OnScroll(true)
	clk.Add(500 * time.Millisecond)
	assert.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
}

func TestBlurCancelsMarkRead(t *testing.T) {
	s, rec, clk := newScheduler(2)

	s.Open("c1")
	s.OnFocus(false)
	clk.Add(time.Second)
	assert.Equal(t, 0, rec.count())

	s.OnFocus(true)
	clk.Add(500 * time.Millisecond)
	assert.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
}

func TestNothingScheduledWithoutUnread(t *testing.T) {
	s, rec, clk := newScheduler(0)

	s.Open("c1")
	assert.False(t, s.Pending())
	clk.Add(time.Second)
	assert.Equal(t, 0, rec.count())
}

func TestNewMessagesAtBottomAutoScroll(t *testing.T) {
	s, _, _ := newScheduler(1)
	s.Open("c1")

	d := s.OnNewMessages(2)
	assert.True(t, d.AutoScroll)
	assert.Equal(t, 0, d.NewMessages)
	assert.True(t, s.Pending())
}

func TestNewMessagesScrolledUpShowAffordance(t *testing.T) {
	s, rec, clk := newScheduler(1)
	s.Open("c1")
	s.OnScroll(false)

	d := s.OnNewMessages(2)
	assert.False(t, d.AutoScroll)
	assert.Equal(t, 2, d.NewMessages)
	d = s.OnNewMessages(1)
	assert.Equal(t, 3, d.NewMessages)

	clk.Add(time.Second)
	assert.Equal(t, 0, rec.count())

	s.JumpToLatest()
	assert.Equal(t, 0, s.NewMessages())
	assert.True(t, s.AtBottom())
	clk.Add(500 * time.Millisecond)
	assert.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
}

func TestCloseDropsPendingMarkRead(t *testing.T) {
	s, rec, clk := newScheduler(1)
	s.Open("c1")
	s.Close()

	clk.Add(time.Second)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, ScrollDecision{}, s.OnNewMessages(1))
}

func TestStaleTimerIsNotDue(t *testing.T) {
	s, _, _ := newScheduler(1)
	s.Open("c1")
	s.Open("c2")

	assert.False(t, s.Due("c1", 0))
}
