package lock

import "context"

// Lock names used by the system (spec §4.2).
const (
	NameAgencies = "agencies"
	NameRoutes   = "routes"
)

// Set holds the handles for a multi-name acquisition, released together in
// reverse acquisition order.
type Set struct {
	registry *Registry
	handles  []*Handle
}

func (s *Set) add(h *Handle) {
	s.handles = append(s.handles, h)
}

// Release releases every handle in the set, most-recently-acquired first.
func (s *Set) Release(ctx context.Context) error {
	var firstErr error
	for i := len(s.handles) - 1; i >= 0; i-- {
		if err := s.registry.Release(ctx, s.handles[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AcquireForAgencyRefresh takes "agencies" exclusive.
func (r *Registry) AcquireForAgencyRefresh(ctx context.Context, opts Options) (*Set, error) {
	h, err := r.AcquireExclusive(ctx, NameAgencies, opts)
	if err != nil {
		return nil, err
	}
	s := &Set{registry: r}
	s.add(h)
	return s, nil
}

// AcquireForRouteRefresh takes "agencies" shared and "routes" exclusive.
func (r *Registry) AcquireForRouteRefresh(ctx context.Context, opts Options) (*Set, error) {
	s := &Set{registry: r}

	agencies, err := r.AcquireShared(ctx, NameAgencies, opts)
	if err != nil {
		return nil, err
	}
	s.add(agencies)

	routes, err := r.AcquireExclusive(ctx, NameRoutes, opts)
	if err != nil {
		s.Release(ctx)
		return nil, err
	}
	s.add(routes)
	return s, nil
}

// AcquireForReaders takes "agencies" shared and "routes" shared — used by
// predictions and vehicle-location pulls.
func (r *Registry) AcquireForReaders(ctx context.Context, opts Options) (*Set, error) {
	s := &Set{registry: r}

	agencies, err := r.AcquireShared(ctx, NameAgencies, opts)
	if err != nil {
		return nil, err
	}
	s.add(agencies)

	routes, err := r.AcquireShared(ctx, NameRoutes, opts)
	if err != nil {
		s.Release(ctx)
		return nil, err
	}
	s.add(routes)
	return s, nil
}
