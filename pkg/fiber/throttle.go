package fiber

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// throttlePoll is how often the pull loop rechecks the low-water mark
// while paused above high-water.
const throttlePoll = 5 * time.Millisecond

func afterShortDelay(clock clockwork.Clock) <-chan time.Time {
	return clock.After(throttlePoll)
}
