package debounce

import "time"

// Func returns a debounced version of f plus a stop function.
// Calling debounced delays f until wait has elapsed since the last call.
// stop cancels any pending invocation; calling it is optional.
func Func(wait time.Duration, f func()) (debounced func(), stop func()) {
	s, err := New("debounce.Func", wait, f)
	if err != nil {
		// wait <= 0 or nil f is a programming error here
		panic(err)
	}
	return s.Trigger, func() {
		_ = s.Close()
	}
}
