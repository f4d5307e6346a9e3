package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCleanRunsInReverseOrderOnce(t *testing.T) {
	c := NewCleanerWithTimeout(time.Second)
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		c.Add(CallableFunc(func(ctx context.Context) error {
			order = append(order, i)
			if i == 2 {
				return errors.New("boom")
			}
			return nil
		}))
	}

	c.Clean()
	c.Clean()
	assert.Equal(t, []int{3, 2, 1}, order)

	// late registrations are ignored
	c.Add(CallableFunc(func(ctx context.Context) error {
		order = append(order, 4)
		return nil
	}))
	assert.Len(t, order, 3)
}

func TestCleanerTimeoutReachesCallable(t *testing.T) {
	c := NewCleanerWithTimeout(20 * time.Millisecond)
	var deadlineSeen bool
	c.Add(CallableFunc(func(ctx context.Context) error {
		_, deadlineSeen = ctx.Deadline()
		<-ctx.Done()
		return ctx.Err()
	}))
	c.Clean()
	assert.True(t, deadlineSeen)
}
