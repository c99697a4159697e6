package store

import (
	"context"

	"github.com/mosaicart/market-mirror/internal/domain"
	"github.com/mosaicart/market-mirror/internal/store/schema"
)

// Store defines the interface for projection persistence.
//
// Mutating operations follow the optimistic-concurrency contract: creates
// report domain.ErrVersionConflict when the natural key already exists,
// updates report it when the expected version token no longer matches. No
// caller is permitted an unconditional overwrite.
//
//go:generate mockgen -source=store.go -destination=../mocks/store.go -package=mocks -mock_names=Store=MockStore
type Store interface {
	// GetAsset retrieves an asset by its natural key, nil when absent
	GetAsset(ctx context.Context, contractAddress, tokenNumber string) (*schema.Asset, error)
	// GetAssetByListingID retrieves the asset currently referencing a listing,
	// nil when absent. Listing ids are scoped to their marketplace contract.
	GetAssetByListingID(ctx context.Context, listingContract, listingID string) (*schema.Asset, error)
	// CreateAsset inserts a new asset; domain.ErrVersionConflict when the key exists
	CreateAsset(ctx context.Context, asset *schema.Asset) error
	// UpdateAsset conditionally writes an asset; domain.ErrVersionConflict on version mismatch
	UpdateAsset(ctx context.Context, asset *schema.Asset, expectedVersion uint64) error

	// GetListing retrieves a listing by its natural key, nil when absent
	GetListing(ctx context.Context, contractAddress, listingID string) (*schema.Listing, error)
	// CreateListing inserts a new listing; domain.ErrVersionConflict when the key exists
	CreateListing(ctx context.Context, listing *schema.Listing) error
	// UpdateListing conditionally writes a listing; domain.ErrVersionConflict on version mismatch
	UpdateListing(ctx context.Context, listing *schema.Listing, expectedVersion uint64) error

	// GetAssetsByOwner retrieves assets currently owned by an address
	GetAssetsByOwner(ctx context.Context, owner string, limit int, offset uint64) ([]schema.Asset, uint64, error)
	// GetListingsByStatus retrieves listings filtered by status
	GetListingsByStatus(ctx context.Context, status domain.ListingStatus, limit int, offset uint64) ([]schema.Listing, uint64, error)

	// GetBlockCursor retrieves the last processed block number for a chain
	GetBlockCursor(ctx context.Context, chain string) (uint64, error)
	// SetBlockCursor stores the last processed block number for a chain
	SetBlockCursor(ctx context.Context, chain string, blockNumber uint64) error
}
