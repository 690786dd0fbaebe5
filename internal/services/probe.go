package services

import (
	"context"
	"errors"

	openaierr "github.com/madpin/jiraviz/internal/adapters/openai"
)

// Availability is advisory UI messaging only; the sorter's own fallback is
// the actual safety net.
type Availability struct {
	Available bool   `json:"available"`
	Message   string `json:"message"`
}

// CheckAvailability issues a minimal embedding call to verify the provider
// is reachable and the key is accepted before the caller commits to the
// smart sort path.
func CheckAvailability(ctx context.Context, provider EmbedProvider) Availability {
	_, err := provider.GenerateEmbeddings(ctx, []string{"ping"})
	if err == nil {
		return Availability{Available: true, Message: "embedding provider reachable"}
	}
	switch {
	case errors.Is(err, openaierr.ErrUnauthorized):
		return Availability{Message: "embedding API key invalid or unauthorized; smart sort will fall back to updated order"}
	case errors.Is(err, openaierr.ErrRateLimited):
		return Availability{Message: "embedding API rate limited; try again later"}
	case errors.Is(err, openaierr.ErrNetwork):
		return Availability{Message: "embedding API unreachable; check network or base URL"}
	default:
		return Availability{Message: "embedding API error: " + err.Error()}
	}
}
