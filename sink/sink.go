package sink

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Reporter receives errors recovered from a scheduler's wrapped action.
// scope is the name of the scheduler that ran the action.
// A Reporter must be safe to call from multiple goroutines.
type Reporter func(scope string, err error)

// Default is used by schedulers constructed without an explicit reporter.
// It logs to stderr. Replace it at program startup if needed.
var Default Reporter = Logger(zerolog.New(os.Stderr).With().Timestamp().Logger())

// Logger returns a Reporter that logs each error with the given logger.
func Logger(l zerolog.Logger) Reporter {
	return func(scope string, err error) {
		l.Error().Str("scope", scope).Err(err).Msg("action failed")
	}
}

// RateLimited limits r to at most one report per every, dropping the rest.
// Useful when a hot action fails on every invocation.
func RateLimited(r Reporter, every time.Duration) Reporter {
	lim := rate.NewLimiter(rate.Every(every), 1)
	return func(scope string, err error) {
		if lim.Allow() {
			r(scope, err)
		}
	}
}

// Dispatch reports err to r, swallowing any panic r itself raises.
// Schedulers report through Dispatch so that a broken reporter can't
// take down a timer goroutine. A nil r is a no-op.
func Dispatch(r Reporter, scope string, err error) {
	if r == nil {
		return
	}
	defer func() {
		recover()
	}()
	r(scope, err)
}

// Recovered converts a recover() value to an error.
func Recovered(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", v)
}
