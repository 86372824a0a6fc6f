package provider

import "errors"

// Classification sentinels. Providers wrap their failures with one of these
// so callers can route on the class without knowing the vendor error shape.
var (
	// ErrTransient marks retryable failures (network, rate limit, overload).
	ErrTransient = errors.New("provider: transient error")

	// ErrFatal marks failures that retrying cannot fix (bad request,
	// unsupported model).
	ErrFatal = errors.New("provider: fatal error")

	// ErrAuth marks authentication or authorization failures.
	ErrAuth = errors.New("provider: authentication error")
)

// Transient reports whether err is classified as retryable.
func Transient(err error) bool {
	return errors.Is(err, ErrTransient)
}
