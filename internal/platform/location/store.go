package location

import (
	"context"

	"github.com/ehr/pssim/internal/platform/identity"
)

// Store persists cache entries so they survive a restart. The in-memory
// Cache stays authoritative; a Store is only written through and read at
// startup.
type Store interface {
	Save(ctx context.Context, id identity.InsurantID, loc Location) error
	Delete(ctx context.Context, id identity.InsurantID) error
	LoadAll(ctx context.Context) (map[identity.InsurantID]Location, error)
}
