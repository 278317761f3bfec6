// Package instanceid emits a single stable identifier for the lifetime of
// the current process. The job queue uses it as the lease-owner token when
// claiming jobs, so two processes never mistake each other's leases.
package instanceid

import (
	"fmt"
	"os"
	"sync"

	"github.com/xkonti/crude-functions/uuid"
)

var (
	once  sync.Once
	value string
)

// Get returns the stable id for this process, generating it on first call.
func Get() string {
	once.Do(func() {
		value = generate()
	})
	return value
}

// generate produces a random v4 UUID, falling back to a hostname+pid string
// if randomness is unavailable (e.g. a crippled sandbox with no /dev/urandom).
func generate() string {
	if id, err := uuid.V4(); err == nil {
		return id.String()
	}
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// Reset clears the cached id. It exists only for tests that need a fresh
// identity between cases; production callers should never call it.
func Reset() {
	once = sync.Once{}
	value = ""
}
