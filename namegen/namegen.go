package namegen

import (
	"fmt"
	"sync/atomic"
	"time"

	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

type ID string

// Get returns a human readable label, used to tag a run in logs.
func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}

var lastTicks atomic.Int64

// Ticks returns the current UTC time as 100ns ticks since year 1.
// Successive calls within the process always return strictly increasing values.
func Ticks() int64 {
	now := time.Now().UnixNano()/100 + unixEpochTicks
	for {
		last := lastTicks.Load()
		next := max(now, last+1)
		if lastTicks.CompareAndSwap(last, next) {
			return next
		}
	}
}

// unixEpochTicks is the tick count of 1970-01-01T00:00:00Z.
const unixEpochTicks = 621355968000000000

// Stamp returns "<role>_<ticks>", an identifier that does not collide with
// identifiers minted by concurrent runs for the same role.
func Stamp(role string) string {
	return fmt.Sprintf("%s_%d", role, Ticks())
}
