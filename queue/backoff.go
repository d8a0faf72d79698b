package queue

import (
	"math/rand"
	"time"
)

// randomStagger jitters d by up to its full width, the same shape as the
// teacher's watch/plan.go retry loop (retryInterval jittered before each
// reconnect attempt) so that many clients reconnecting to the same server
// after a shared outage don't all retry in lockstep.
func randomStagger(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}
