package system

import "context"

// Service represents a lifecycle-managed component. Background workers such
// as the settlement watcher pool and the session-key expiry sweeper
// implement this interface so the runtime can start and stop them
// deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
