// Package driven defines the outbound port interfaces implemented by adapters.
package driven

import (
	"context"
	"errors"
	"fmt"

	"github.com/foliowatch/foliowatch/internal/domain/model"
)

// Failure taxonomy for Ghostfolio API calls. Adapters wrap these sentinels
// with fmt.Errorf("...: %w", ...) so callers can classify with errors.Is.
var (
	// ErrAuthentication indicates the access token was rejected, either
	// during anonymous authentication or after the single re-authentication
	// retry. Callers should prompt for new credentials rather than retry.
	ErrAuthentication = errors.New("ghostfolio authentication failed")

	// ErrConnection indicates a network-level failure (timeout, connection
	// refused, TLS error). Retried only on the next scheduled poll.
	ErrConnection = errors.New("ghostfolio deployment unreachable")
)

// StatusError reports an unexpected non-2xx status from the Ghostfolio API
// that is neither an authentication rejection nor a transport failure.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ghostfolio api returned status %d", e.StatusCode)
}

// PortfolioClient defines the driven port for one Ghostfolio deployment.
// A client owns exactly one ephemeral bearer token; tokens are never
// shared between instances.
type PortfolioClient interface {
	// Authenticate posts the access token to the anonymous-auth endpoint
	// and stores the returned bearer token. It fails with ErrAuthentication
	// on a non-2xx response or a body without an authToken, and with
	// ErrConnection on network failure.
	Authenticate(ctx context.Context) error

	// FetchPerformance retrieves the performance snapshot for the given
	// range, authenticating lazily when no token is held. On a 401/403 it
	// discards the token, re-authenticates exactly once, and retries the
	// request exactly once; a second rejection fails with ErrAuthentication.
	// Other non-2xx statuses fail with *StatusError, network failures with
	// ErrConnection (no retry).
	FetchPerformance(ctx context.Context, rng string) (*model.Snapshot, error)

	// FetchUserSettings retrieves the user's settings (base currency).
	// Same token handling as FetchPerformance.
	FetchUserSettings(ctx context.Context) (*model.UserSettings, error)

	// Close releases transport resources. The client must not be used
	// afterwards.
	Close()
}
