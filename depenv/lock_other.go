//go:build !unix

package depenv

import "context"

// acquireInstallLock is a no-op where flock is unavailable; the in-process
// semaphore still serializes installs.
func acquireInstallLock(context.Context, string) (func(), error) {
	return func() {}, nil
}
