// Package clock abstracts time for components that need deterministic
// tests.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}
