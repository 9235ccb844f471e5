package relay

import (
	"errors"
	"net/http"

	"github.com/workspace/aitools-relay/internal/catalog"
	"github.com/workspace/aitools-relay/internal/runner"
)

// StatusCode maps a Start error to the HTTP status reported before the
// stream begins.
func StatusCode(err error) int {
	var (
		unknown      *catalog.UnknownToolError
		notInstalled *catalog.NotInstalledError
		spawn        *runner.SpawnError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, catalog.ErrInvalidRequest), errors.Is(err, ErrCredentials):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.As(err, &unknown):
		return http.StatusNotFound
	case errors.As(err, &notInstalled):
		return http.StatusFailedDependency
	case errors.As(err, &spawn):
		if spawn.NotFound {
			return http.StatusFailedDependency
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
