package memory

import "context"

// Repository mirrors the in-process collections to external storage.
// Mirroring is best-effort: the store logs repository errors and carries on.
type Repository interface {
	// Durable reports whether records survive a restart, in which case the
	// store hydrates unknown users from ListByUser.
	Durable() bool
	ListByUser(ctx context.Context, userID string) ([]*MemoryRecord, error)
	Save(ctx context.Context, record *MemoryRecord) error
	Delete(ctx context.Context, userID, memoryID string) error
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}

// NopRepository keeps memories process-resident only.
type NopRepository struct{}

func (NopRepository) Durable() bool { return false }

func (NopRepository) ListByUser(ctx context.Context, userID string) ([]*MemoryRecord, error) {
	return nil, nil
}

func (NopRepository) Save(ctx context.Context, record *MemoryRecord) error { return nil }

func (NopRepository) Delete(ctx context.Context, userID, memoryID string) error { return nil }

func (NopRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	return 0, nil
}
