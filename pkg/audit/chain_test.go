package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceLog struct {
	events []*Event
	fail   error
}

func (l *sliceLog) Head(context.Context) (*Event, error) {
	if len(l.events) == 0 {
		return nil, nil
	}
	return l.events[len(l.events)-1], nil
}

func (l *sliceLog) Insert(_ context.Context, ev *Event) error {
	if l.fail != nil {
		return l.fail
	}
	cp := *ev
	l.events = append(l.events, &cp)
	return nil
}

func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func buildChain(t *testing.T, c *Chain, tenant string, n int) *sliceLog {
	t.Helper()
	log := &sliceLog{}
	for i := 0; i < n; i++ {
		_, err := c.Append(context.Background(), tenant, log, Event{
			RecordID:      fmt.Sprintf("rec-%d", i),
			EventType:     EventIngested,
			Actor:         "user-1",
			CorrelationID: fmt.Sprintf("corr-%d", i),
		})
		require.NoError(t, err)
	}
	return log
}

func TestAppend_LinksToGenesisThenHead(t *testing.T) {
	c := NewChain("").WithClock(fixedClock())
	log := buildChain(t, c, "tenant-a", 3)

	require.Len(t, log.events, 3)
	assert.Equal(t, c.Genesis("tenant-a"), log.events[0].PrevEventHash)
	assert.Equal(t, uint64(1), log.events[0].Sequence)
	assert.Equal(t, log.events[0].ThisEventHash, log.events[1].PrevEventHash)
	assert.Equal(t, log.events[1].ThisEventHash, log.events[2].PrevEventHash)
	assert.Equal(t, uint64(3), log.events[2].Sequence)
	assert.Zero(t, log.events[0].TimestampUTC.Nanosecond()%1000, "timestamps truncated to microseconds")
}

func TestGenesis_PerTenant(t *testing.T) {
	c := NewChain("secret")
	assert.Equal(t, c.Genesis("a"), c.Genesis("a"))
	assert.NotEqual(t, c.Genesis("a"), c.Genesis("b"))
	assert.NotEqual(t, c.Genesis("a"), NewChain("other").Genesis("a"))
	assert.Len(t, c.Genesis("a"), 64)
}

func TestAppend_Errors(t *testing.T) {
	c := NewChain("")
	_, err := c.Append(context.Background(), "a", &sliceLog{}, Event{TenantID: "b", RecordID: "r"})
	assert.ErrorIs(t, err, ErrTenantMismatch)

	_, err = c.Append(context.Background(), "a", &sliceLog{}, Event{})
	assert.ErrorIs(t, err, ErrMissingRecord)

	ev, err := c.Append(context.Background(), "a", &sliceLog{}, Event{EventType: EventAttemptFailed})
	require.NoError(t, err)
	assert.Empty(t, ev.RecordID)

	boom := errors.New("disk full")
	_, err = c.Append(context.Background(), "a", &sliceLog{fail: boom}, Event{RecordID: "r"})
	assert.ErrorIs(t, err, boom)
}

func TestVerify_Valid(t *testing.T) {
	c := NewChain("").WithClock(fixedClock())
	log := buildChain(t, c, "tenant-a", 10)

	res := c.Verify("tenant-a", log.events)
	assert.True(t, res.Valid)
	assert.Empty(t, res.BrokenAt)
	assert.Equal(t, 10, res.Checked)
}

func TestVerify_EmptyChainIsValid(t *testing.T) {
	res := NewChain("").Verify("t", nil)
	assert.True(t, res.Valid)
	assert.Zero(t, res.Checked)
}

func TestVerify_ReportsExactlyTheCorruptedEvent(t *testing.T) {
	corruptions := map[string]func(ev *Event){
		"actor":     func(ev *Event) { ev.Actor = "mallory" },
		"type":      func(ev *Event) { ev.EventType = EventSealed },
		"timestamp": func(ev *Event) { ev.TimestampUTC = ev.TimestampUTC.Add(time.Microsecond) },
		"details":   func(ev *Event) { ev.Details = map[string]string{"x": "y"} },
		"backfill":  func(ev *Event) { ev.Backfilled = true },
		"prev":      func(ev *Event) { ev.PrevEventHash = "00" },
	}

	for name, corrupt := range corruptions {
		for _, idx := range []int{0, 4, 9} {
			t.Run(fmt.Sprintf("%s@%d", name, idx), func(t *testing.T) {
				c := NewChain("").WithClock(fixedClock())
				log := buildChain(t, c, "tenant-a", 10)
				corrupt(log.events[idx])

				res := c.Verify("tenant-a", log.events)
				assert.False(t, res.Valid)
				assert.Equal(t, log.events[idx].EventID, res.BrokenAt)
				assert.Equal(t, idx+1, res.Checked)
			})
		}
	}
}

func TestVerify_ChainsDoNotCrossTenants(t *testing.T) {
	c := NewChain("").WithClock(fixedClock())
	log := buildChain(t, c, "tenant-a", 2)

	res := c.Verify("tenant-b", log.events)
	assert.False(t, res.Valid)
	assert.Equal(t, log.events[0].EventID, res.BrokenAt)
}

func TestVerify_DetectsDeletedEvent(t *testing.T) {
	c := NewChain("").WithClock(fixedClock())
	log := buildChain(t, c, "tenant-a", 5)
	events := append(log.events[:2:2], log.events[3:]...)

	res := c.Verify("tenant-a", events)
	assert.False(t, res.Valid)
	assert.Equal(t, log.events[3].EventID, res.BrokenAt)
}
