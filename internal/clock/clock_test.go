package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

func TestFakeAdvanceRunsDueTimersInOrder(t *testing.T) {
	c := NewFake(epoch)
	var order []string

	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	c.AfterFunc(5*time.Second, func() { order = append(order, "c") })

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, c.Pending())

	c.Advance(3 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, epoch.Add(5*time.Second), c.Now())
}

func TestFakeNowDuringCallbackIsDeadline(t *testing.T) {
	c := NewFake(epoch)
	var seen time.Time
	c.AfterFunc(1500*time.Millisecond, func() { seen = c.Now() })

	c.Advance(10 * time.Second)
	assert.Equal(t, epoch.Add(1500*time.Millisecond), seen)
	assert.Equal(t, epoch.Add(10*time.Second), c.Now())
}

func TestFakeStop(t *testing.T) {
	c := NewFake(epoch)
	ran := false
	tm := c.AfterFunc(time.Second, func() { ran = true })

	require.True(t, tm.Stop())
	assert.False(t, tm.Stop())

	c.Advance(time.Minute)
	assert.False(t, ran)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeStopAfterFire(t *testing.T) {
	c := NewFake(epoch)
	tm := c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)
	assert.False(t, tm.Stop())
}

func TestFakeCallbackMaySchedule(t *testing.T) {
	c := NewFake(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}

func TestRealClock(t *testing.T) {
	c := Real()
	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("real timer did not fire")
	}
	assert.False(t, c.Now().IsZero())
}
