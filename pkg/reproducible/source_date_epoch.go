// Package reproducible pins "the current time" for reproducible package builds.
//
// https://reproducible-builds.org/docs/source-date-epoch/
package reproducible

import (
	"os"
	"strconv"
	"sync"
	"time"
)

var (
	once   sync.Once
	pinned time.Time
)

// Now returns the time that artifacts built during this process should be stamped
// with: $SOURCE_DATE_EPOCH if it is set and parses, the wall clock otherwise.  The
// value is resolved once and then frozen, so every artifact in a run agrees.
func Now() time.Time {
	once.Do(func() {
		secs, err := strconv.ParseInt(os.Getenv("SOURCE_DATE_EPOCH"), 10, 64)
		if err == nil {
			pinned = time.Unix(secs, 0)
		} else {
			pinned = time.Now()
		}
	})
	return pinned
}

// Epoch returns Now() formatted for passing to child processes as
// $SOURCE_DATE_EPOCH.
func Epoch() string {
	return strconv.FormatInt(Now().Unix(), 10)
}
