package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mosaicart/market-mirror/internal/domain"
	"github.com/mosaicart/market-mirror/internal/store/schema"
)

type pgStore struct {
	db *gorm.DB
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// Migrate creates or updates the projection tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&schema.Asset{},
		&schema.Listing{},
		&schema.KeyValueStore{},
	)
}

// ConfigureConnectionPool configures the connection pool settings for a GORM
// database connection. Zero values fall back to reasonable defaults.
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// GetAsset retrieves an asset by its natural key
func (s *pgStore) GetAsset(ctx context.Context, contractAddress, tokenNumber string) (*schema.Asset, error) {
	var asset schema.Asset
	err := s.db.WithContext(ctx).
		Where("contract_address = ? AND token_number = ?", contractAddress, tokenNumber).
		First(&asset).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return &asset, nil
}

// GetAssetByListingID retrieves the asset currently referencing a listing
func (s *pgStore) GetAssetByListingID(ctx context.Context, listingContract, listingID string) (*schema.Asset, error) {
	var asset schema.Asset
	err := s.db.WithContext(ctx).
		Where("listing_contract = ? AND listing_id = ?", listingContract, listingID).
		First(&asset).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get asset by listing id: %w", err)
	}
	return &asset, nil
}

// CreateAsset inserts a new asset. A natural-key collision means a concurrent
// writer created the row first; it is reported as a version conflict so the
// caller re-reads and recomputes.
func (s *pgStore) CreateAsset(ctx context.Context, asset *schema.Asset) error {
	asset.Version = 1

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contract_address"}, {Name: "token_number"}},
		DoNothing: true,
	}).Create(asset)
	if result.Error != nil {
		return fmt.Errorf("failed to create asset: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}

	return nil
}

// UpdateAsset conditionally writes an asset guarded by the version token
func (s *pgStore) UpdateAsset(ctx context.Context, asset *schema.Asset, expectedVersion uint64) error {
	updates := map[string]interface{}{
		"current_owner":           asset.CurrentOwner,
		"creator":                 asset.Creator,
		"minted_at":               asset.MintedAt,
		"metadata_uri":            asset.MetadataURI,
		"metadata":                asset.Metadata,
		"metadata_hash":           asset.MetadataHash,
		"history":                 asset.History,
		"listing_contract":        asset.ListingContract,
		"listing_id":              asset.ListingID,
		"listing_seller":          asset.ListingSeller,
		"listing_price":           asset.ListingPrice,
		"last_transfer_block":     asset.LastTransferBlock,
		"last_transfer_tx_index":  asset.LastTransferTxIndex,
		"last_transfer_log_index": asset.LastTransferLogIndex,
		"version":                 expectedVersion + 1,
	}

	result := s.db.WithContext(ctx).Model(&schema.Asset{}).
		Where("contract_address = ? AND token_number = ? AND version = ?",
			asset.ContractAddress, asset.TokenNumber, expectedVersion).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update asset: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}

	asset.Version = expectedVersion + 1
	return nil
}

// GetListing retrieves a listing by its natural key
func (s *pgStore) GetListing(ctx context.Context, contractAddress, listingID string) (*schema.Listing, error) {
	var listing schema.Listing
	err := s.db.WithContext(ctx).
		Where("contract_address = ? AND listing_id = ?", contractAddress, listingID).
		First(&listing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return &listing, nil
}

// CreateListing inserts a new listing, reporting key collisions as version conflicts
func (s *pgStore) CreateListing(ctx context.Context, listing *schema.Listing) error {
	listing.Version = 1

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contract_address"}, {Name: "listing_id"}},
		DoNothing: true,
	}).Create(listing)
	if result.Error != nil {
		return fmt.Errorf("failed to create listing: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}

	return nil
}

// UpdateListing conditionally writes a listing guarded by the version token
func (s *pgStore) UpdateListing(ctx context.Context, listing *schema.Listing, expectedVersion uint64) error {
	updates := map[string]interface{}{
		"status":  listing.Status,
		"version": expectedVersion + 1,
	}

	result := s.db.WithContext(ctx).Model(&schema.Listing{}).
		Where("contract_address = ? AND listing_id = ? AND version = ?",
			listing.ContractAddress, listing.ListingID, expectedVersion).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update listing: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}

	listing.Version = expectedVersion + 1
	return nil
}

// GetAssetsByOwner retrieves assets currently owned by an address
func (s *pgStore) GetAssetsByOwner(ctx context.Context, owner string, limit int, offset uint64) ([]schema.Asset, uint64, error) {
	var total int64
	query := s.db.WithContext(ctx).Model(&schema.Asset{}).Where("current_owner = ?", owner)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count assets: %w", err)
	}

	var assets []schema.Asset
	err := query.
		Order("contract_address, token_number").
		Limit(limit).
		Offset(int(offset)). //nolint:gosec,G115 // offsets are bounded by query validation
		Find(&assets).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get assets by owner: %w", err)
	}

	return assets, uint64(total), nil //nolint:gosec,G115 // count is non-negative
}

// GetListingsByStatus retrieves listings filtered by status
func (s *pgStore) GetListingsByStatus(ctx context.Context, status domain.ListingStatus, limit int, offset uint64) ([]schema.Listing, uint64, error) {
	var total int64
	query := s.db.WithContext(ctx).Model(&schema.Listing{}).Where("status = ?", status)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count listings: %w", err)
	}

	var listings []schema.Listing
	err := query.
		Order("contract_address, listing_id").
		Limit(limit).
		Offset(int(offset)). //nolint:gosec,G115 // offsets are bounded by query validation
		Find(&listings).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get listings by status: %w", err)
	}

	return listings, uint64(total), nil //nolint:gosec,G115 // count is non-negative
}

// GetBlockCursor retrieves the last processed block number for a chain
func (s *pgStore) GetBlockCursor(ctx context.Context, chain string) (uint64, error) {
	key := fmt.Sprintf("block_cursor:%s", chain)

	var kv schema.KeyValueStore
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&kv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil // Return 0 if no cursor exists
		}
		return 0, fmt.Errorf("failed to get block cursor: %w", err)
	}

	blockNumber, err := strconv.ParseUint(kv.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse block cursor: %w", err)
	}

	return blockNumber, nil
}

// SetBlockCursor stores the last processed block number for a chain
func (s *pgStore) SetBlockCursor(ctx context.Context, chain string, blockNumber uint64) error {
	key := fmt.Sprintf("block_cursor:%s", chain)
	value := strconv.FormatUint(blockNumber, 10)

	kv := schema.KeyValueStore{
		Key:   key,
		Value: value,
	}

	err := s.db.WithContext(ctx).Save(&kv).Error
	if err != nil {
		return fmt.Errorf("failed to set block cursor: %w", err)
	}

	return nil
}
