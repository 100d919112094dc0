//go:build !(linux || darwin || freebsd)

package serial

// lockPath is a no-op where flock is unavailable; the driver's own exclusive
// open still applies.
func lockPath(path string) (func(), error) {
	return func() {}, nil
}
