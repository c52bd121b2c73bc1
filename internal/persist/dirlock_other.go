//go:build !unix

package persist

import (
	"os"
	"strconv"
)

// lockFile is a no-op where flock is unavailable.
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }

func pidString() string {
	return strconv.Itoa(os.Getpid()) + "\n"
}
