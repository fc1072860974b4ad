package position

import "context"

// Store is the persistence interface for positions. The watcher collaborator
// writes through Put; the core only reads.
type Store interface {
	GetPosition(ctx context.Context, id string) (*Position, bool, error)
	PutPosition(ctx context.Context, p *Position) error
	DeletePosition(ctx context.Context, id string) error
	ListActivePositions(ctx context.Context) ([]Position, error)
}
