package api

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/zapbridge/internal/connector"
	"github.com/ashureev/zapbridge/internal/domain"
	"github.com/ashureev/zapbridge/internal/statuscache"
)

// StatusService reads instance status through the poll cache.
type StatusService struct {
	cache     *statuscache.Cache
	connector Connector
}

// NewStatusService creates a status service.
func NewStatusService(cache *statuscache.Cache, conn Connector) *StatusService {
	return &StatusService{cache: cache, connector: conn}
}

// Status returns the snapshot for instance, querying the connector only when
// the cache allows it.
func (s *StatusService) Status(ctx context.Context, instance string) (domain.StatusSnapshot, error) {
	return s.cache.Get(ctx, instance, s.fetch)
}

// Invalidate makes the next status read for instance query the connector,
// still subject to the poll interval.
func (s *StatusService) Invalidate(instance string) {
	s.cache.Invalidate(instance)
}

// Forget drops cached state for a deleted instance.
func (s *StatusService) Forget(instance string) {
	s.cache.Forget(instance)
}

// fetch maps connector errors onto the cache's failure classes. Only HTTP 429
// counts as rate limiting.
func (s *StatusService) fetch(ctx context.Context, instance string) (statuscache.Upstream, error) {
	state, err := s.connector.ConnectionState(ctx, instance)
	if err != nil {
		if connector.IsRateLimited(err) {
			return statuscache.Upstream{}, fmt.Errorf("%w: %w", statuscache.ErrRateLimited, err)
		}
		return statuscache.Upstream{}, err
	}
	return statuscache.Upstream{State: state.State, Details: state.Raw}, nil
}

// StatusResponse is the public status document of an instance.
type StatusResponse struct {
	Instance  string                  `json:"instance"`
	Status    domain.ConnectionStatus `json:"status,omitempty"`
	Details   any                     `json:"details,omitempty"`
	FetchedAt *time.Time              `json:"fetched_at,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

func newStatusResponse(instance string, snap domain.StatusSnapshot) StatusResponse {
	fetchedAt := snap.FetchedAt.UTC()
	resp := StatusResponse{
		Instance:  instance,
		Status:    snap.Status,
		FetchedAt: &fetchedAt,
	}
	if len(snap.Details) > 0 {
		resp.Details = snap.Details
	}
	return resp
}
