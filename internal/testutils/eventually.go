package test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const (
	WaitDuration  = 2 * time.Second
	WaitShortTick = 10 * time.Millisecond
)

/*
TryTilCountIs checks condition after each tick until it returns true or it has
been checked "cnt" times in which case the test fails.
Prefer this helper to require.Eventually when test timeout is small or close
to tick duration.
*/
func TryTilCountIs(t *testing.T, condition func() bool, cnt uint64, tick time.Duration, msgAndArgs ...any) {
	t.Helper()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for count := uint64(1); ; count++ {
		<-ticker.C
		if condition() {
			return
		}
		if count >= cnt {
			assert.Fail(t, "Condition never satisfied", msgAndArgs...)
			t.FailNow()
		}
	}
}
