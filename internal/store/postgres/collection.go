package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tokenbay/marketd/internal/clock"
	"github.com/tokenbay/marketd/internal/store"
)

// CollectionRepo implements store.CollectionRepository with sqlx.
type CollectionRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewCollectionRepo returns a new CollectionRepo.
func NewCollectionRepo(db *sqlx.DB, clk clock.Clock) *CollectionRepo {
	return &CollectionRepo{db: db, clk: clk}
}

func (r *CollectionRepo) Create(ctx context.Context, c *store.Collection) error {
	c.CreatedAt = r.clk.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO collections (address, name, symbol, metadata_uri, creator, royalty_rate, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.Address, c.Name, c.Symbol, c.MetadataURI, c.Creator, c.RoyaltyRate, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting collection: %w", err)
	}
	return nil
}

func (r *CollectionRepo) GetByAddress(ctx context.Context, address string) (*store.Collection, error) {
	var c store.Collection
	err := r.db.GetContext(ctx, &c, `SELECT * FROM collections WHERE address = $1`, address)
	if err != nil {
		return nil, fmt.Errorf("getting collection: %w", err)
	}
	return &c, nil
}

func (r *CollectionRepo) List(ctx context.Context) ([]store.Collection, error) {
	var collections []store.Collection
	err := r.db.SelectContext(ctx, &collections, `SELECT * FROM collections ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	return collections, nil
}
