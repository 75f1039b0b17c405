package downloader

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// newInstanceID names a Manager as host-pid-suffix, where the suffix is the first
// block of a random UUID.
func newInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}

	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
