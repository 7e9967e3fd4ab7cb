//go:build !unix

package evidence

import (
	"context"
	"sync"
)

var processLock sync.RWMutex

// lockFile falls back to an in-process lock where flock is unavailable.
func lockFile(_ context.Context, _ string, exclusive bool) (func(), error) {
	if exclusive {
		processLock.Lock()
		return processLock.Unlock, nil
	}
	processLock.RLock()
	return processLock.RUnlock, nil
}
