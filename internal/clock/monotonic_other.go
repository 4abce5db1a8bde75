//go:build !unix

package clock

import "time"

var processStart = time.Now()

func hostMonotonic() time.Duration {
	return time.Since(processStart)
}
