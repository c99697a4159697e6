package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicart/market-mirror/internal/domain"
	"github.com/mosaicart/market-mirror/internal/store/schema"
)

// =============================================================================
// Test Data Builders
// =============================================================================

// buildTestAsset creates a test asset row
func buildTestAsset(contract, tokenNum, owner string) *schema.Asset {
	asset := &schema.Asset{
		ContractAddress:      contract,
		TokenNumber:          tokenNum,
		CurrentOwner:         owner,
		LastTransferBlock:    100,
		LastTransferTxIndex:  0,
		LastTransferLogIndex: 0,
	}
	_ = asset.AppendHistory(schema.TransferRecord{
		From:        domain.ETHEREUM_ZERO_ADDRESS,
		To:          owner,
		TxHash:      fmt.Sprintf("0xmint%s%s", contract, tokenNum),
		BlockNumber: 100,
		Timestamp:   time.Now().UTC(),
	})
	return asset
}

// buildTestListing creates a test listing row
func buildTestListing(marketplace, listingID, tokenContract, tokenNum string) *schema.Listing {
	return &schema.Listing{
		ContractAddress: marketplace,
		ListingID:       listingID,
		TokenContract:   tokenContract,
		TokenNumber:     tokenNum,
		Seller:          "0x1234567890123456789012345678901234567890",
		Price:           "1000000000000000000",
		Status:          domain.ListingStatusActive,
	}
}

// =============================================================================
// Test: Assets
// =============================================================================

func testAssetLifecycle(t *testing.T, store Store) {
	ctx := context.Background()

	contract := "0x1111111111111111111111111111111111111111"
	owner := "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"

	t.Run("get absent asset returns nil", func(t *testing.T) {
		asset, err := store.GetAsset(ctx, contract, "404")
		require.NoError(t, err)
		assert.Nil(t, asset)
	})

	t.Run("create and get", func(t *testing.T) {
		asset := buildTestAsset(contract, "1", owner)
		require.NoError(t, store.CreateAsset(ctx, asset))
		assert.Equal(t, uint64(1), asset.Version)

		got, err := store.GetAsset(ctx, contract, "1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, owner, got.CurrentOwner)
		assert.Equal(t, uint64(1), got.Version)

		records, err := got.HistoryRecords()
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("create on existing key reports version conflict", func(t *testing.T) {
		dup := buildTestAsset(contract, "1", "0xBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBb")
		err := store.CreateAsset(ctx, dup)
		assert.ErrorIs(t, err, domain.ErrVersionConflict)

		// The stored row is untouched
		got, err := store.GetAsset(ctx, contract, "1")
		require.NoError(t, err)
		assert.Equal(t, owner, got.CurrentOwner)
	})

	t.Run("conditional update bumps version", func(t *testing.T) {
		got, err := store.GetAsset(ctx, contract, "1")
		require.NoError(t, err)

		newOwner := "0xCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCc"
		got.CurrentOwner = newOwner
		got.SetLastTransferOrder(domain.BlockOrder{BlockNumber: 101, TxIndex: 2, LogIndex: 3})

		require.NoError(t, store.UpdateAsset(ctx, got, got.Version))
		assert.Equal(t, uint64(2), got.Version)

		reread, err := store.GetAsset(ctx, contract, "1")
		require.NoError(t, err)
		assert.Equal(t, newOwner, reread.CurrentOwner)
		assert.Equal(t, uint64(2), reread.Version)
		assert.Equal(t, uint64(101), reread.LastTransferBlock)
		assert.Equal(t, uint64(2), reread.LastTransferTxIndex)
		assert.Equal(t, uint64(3), reread.LastTransferLogIndex)
	})

	t.Run("stale version update reports conflict and writes nothing", func(t *testing.T) {
		got, err := store.GetAsset(ctx, contract, "1")
		require.NoError(t, err)

		stale := *got
		stale.CurrentOwner = "0xDdDdDdDdDdDdDdDdDdDdDdDdDdDdDdDdDdDdDdDd"
		err = store.UpdateAsset(ctx, &stale, got.Version-1)
		assert.ErrorIs(t, err, domain.ErrVersionConflict)

		reread, err := store.GetAsset(ctx, contract, "1")
		require.NoError(t, err)
		assert.Equal(t, got.CurrentOwner, reread.CurrentOwner)
		assert.Equal(t, got.Version, reread.Version)
	})
}

func testAssetListingRef(t *testing.T, store Store) {
	ctx := context.Background()

	contract := "0x2222222222222222222222222222222222222222"
	marketplace := "0x4444444444444444444444444444444444444444"
	otherMarketplace := "0x5555555555555555555555555555555555555555"
	owner := "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"

	asset := buildTestAsset(contract, "7", owner)
	require.NoError(t, store.CreateAsset(ctx, asset))

	t.Run("lookup by listing before any reference", func(t *testing.T) {
		got, err := store.GetAssetByListingID(ctx, marketplace, "42")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("set reference and look up", func(t *testing.T) {
		asset.SetListingRef(marketplace, "42", owner, "5000000000000000000")
		require.NoError(t, store.UpdateAsset(ctx, asset, asset.Version))

		got, err := store.GetAssetByListingID(ctx, marketplace, "42")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, contract, got.ContractAddress)
		assert.Equal(t, "7", got.TokenNumber)
		require.NotNil(t, got.ListingPrice)
		assert.Equal(t, "5000000000000000000", *got.ListingPrice)
	})

	t.Run("lookup is scoped to the marketplace contract", func(t *testing.T) {
		// The same listing id under a different marketplace is a
		// different listing
		got, err := store.GetAssetByListingID(ctx, otherMarketplace, "42")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("clear reference", func(t *testing.T) {
		got, err := store.GetAsset(ctx, contract, "7")
		require.NoError(t, err)

		got.ClearListingRef()
		require.NoError(t, store.UpdateAsset(ctx, got, got.Version))

		byListing, err := store.GetAssetByListingID(ctx, marketplace, "42")
		require.NoError(t, err)
		assert.Nil(t, byListing)

		reread, err := store.GetAsset(ctx, contract, "7")
		require.NoError(t, err)
		assert.Nil(t, reread.ListingContract)
		assert.Nil(t, reread.ListingID)
		assert.Nil(t, reread.ListingSeller)
		assert.Nil(t, reread.ListingPrice)
	})
}

// =============================================================================
// Test: Listings
// =============================================================================

func testListingLifecycle(t *testing.T, store Store) {
	ctx := context.Background()

	marketplace := "0x3333333333333333333333333333333333333333"
	tokenContract := "0x1111111111111111111111111111111111111111"

	t.Run("get absent listing returns nil", func(t *testing.T) {
		listing, err := store.GetListing(ctx, marketplace, "404")
		require.NoError(t, err)
		assert.Nil(t, listing)
	})

	t.Run("create and get", func(t *testing.T) {
		listing := buildTestListing(marketplace, "1", tokenContract, "9")
		require.NoError(t, store.CreateListing(ctx, listing))
		assert.Equal(t, uint64(1), listing.Version)

		got, err := store.GetListing(ctx, marketplace, "1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, domain.ListingStatusActive, got.Status)
		assert.Equal(t, "1000000000000000000", got.Price)
	})

	t.Run("create on existing key reports version conflict", func(t *testing.T) {
		dup := buildTestListing(marketplace, "1", tokenContract, "9")
		err := store.CreateListing(ctx, dup)
		assert.ErrorIs(t, err, domain.ErrVersionConflict)
	})

	t.Run("same listing id under another marketplace does not collide", func(t *testing.T) {
		other := buildTestListing("0x4444444444444444444444444444444444444444", "1", tokenContract, "9")
		require.NoError(t, store.CreateListing(ctx, other))
	})

	t.Run("conditional status update bumps version", func(t *testing.T) {
		got, err := store.GetListing(ctx, marketplace, "1")
		require.NoError(t, err)

		got.Status = domain.ListingStatusSold
		require.NoError(t, store.UpdateListing(ctx, got, got.Version))
		assert.Equal(t, uint64(2), got.Version)

		reread, err := store.GetListing(ctx, marketplace, "1")
		require.NoError(t, err)
		assert.Equal(t, domain.ListingStatusSold, reread.Status)
		assert.Equal(t, uint64(2), reread.Version)
	})

	t.Run("stale version update reports conflict", func(t *testing.T) {
		got, err := store.GetListing(ctx, marketplace, "1")
		require.NoError(t, err)

		got.Status = domain.ListingStatusCancelled
		err = store.UpdateListing(ctx, got, got.Version-1)
		assert.ErrorIs(t, err, domain.ErrVersionConflict)

		reread, err := store.GetListing(ctx, marketplace, "1")
		require.NoError(t, err)
		assert.Equal(t, domain.ListingStatusSold, reread.Status)
	})
}

// =============================================================================
// Test: Queries
// =============================================================================

func testGetAssetsByOwner(t *testing.T, store Store) {
	ctx := context.Background()

	contract := "0x5555555555555555555555555555555555555555"
	owner := "0xEeEeEeEeEeEeEeEeEeEeEeEeEeEeEeEeEeEeEeEe"
	other := "0xFfFfFfFfFfFfFfFfFfFfFfFfFfFfFfFfFfFfFfFf"

	for i := 1; i <= 5; i++ {
		asset := buildTestAsset(contract, fmt.Sprintf("%d", i), owner)
		require.NoError(t, store.CreateAsset(ctx, asset))
	}
	require.NoError(t, store.CreateAsset(ctx, buildTestAsset(contract, "6", other)))

	t.Run("returns only the owner's assets with total", func(t *testing.T) {
		assets, total, err := store.GetAssetsByOwner(ctx, owner, 10, 0)
		require.NoError(t, err)
		assert.Len(t, assets, 5)
		assert.Equal(t, uint64(5), total)
	})

	t.Run("pagination", func(t *testing.T) {
		page1, total, err := store.GetAssetsByOwner(ctx, owner, 2, 0)
		require.NoError(t, err)
		assert.Len(t, page1, 2)
		assert.Equal(t, uint64(5), total)

		page2, _, err := store.GetAssetsByOwner(ctx, owner, 2, 2)
		require.NoError(t, err)
		assert.Len(t, page2, 2)
		assert.NotEqual(t, page1[0].TokenNumber, page2[0].TokenNumber)
	})

	t.Run("unknown owner returns empty", func(t *testing.T) {
		assets, total, err := store.GetAssetsByOwner(ctx, "0x0000000000000000000000000000000000000001", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, assets)
		assert.Equal(t, uint64(0), total)
	})
}

func testGetListingsByStatus(t *testing.T, store Store) {
	ctx := context.Background()

	marketplace := "0x6666666666666666666666666666666666666666"
	tokenContract := "0x1111111111111111111111111111111111111111"

	for i := 1; i <= 3; i++ {
		listing := buildTestListing(marketplace, fmt.Sprintf("%d", i), tokenContract, fmt.Sprintf("%d", i))
		require.NoError(t, store.CreateListing(ctx, listing))
	}
	sold := buildTestListing(marketplace, "4", tokenContract, "4")
	require.NoError(t, store.CreateListing(ctx, sold))
	sold.Status = domain.ListingStatusSold
	require.NoError(t, store.UpdateListing(ctx, sold, sold.Version))

	t.Run("filters by status", func(t *testing.T) {
		active, total, err := store.GetListingsByStatus(ctx, domain.ListingStatusActive, 10, 0)
		require.NoError(t, err)
		assert.Len(t, active, 3)
		assert.Equal(t, uint64(3), total)

		soldListings, total, err := store.GetListingsByStatus(ctx, domain.ListingStatusSold, 10, 0)
		require.NoError(t, err)
		assert.Len(t, soldListings, 1)
		assert.Equal(t, uint64(1), total)
		assert.Equal(t, "4", soldListings[0].ListingID)
	})

	t.Run("pagination", func(t *testing.T) {
		page, total, err := store.GetListingsByStatus(ctx, domain.ListingStatusActive, 2, 2)
		require.NoError(t, err)
		assert.Len(t, page, 1)
		assert.Equal(t, uint64(3), total)
	})
}

// =============================================================================
// Test: Block cursor
// =============================================================================

func testBlockCursor(t *testing.T, store Store) {
	ctx := context.Background()

	chain := "eip155:1"

	t.Run("absent cursor is zero", func(t *testing.T) {
		cursor, err := store.GetBlockCursor(ctx, chain)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), cursor)
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, store.SetBlockCursor(ctx, chain, 12345))

		cursor, err := store.GetBlockCursor(ctx, chain)
		require.NoError(t, err)
		assert.Equal(t, uint64(12345), cursor)
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, store.SetBlockCursor(ctx, chain, 12350))

		cursor, err := store.GetBlockCursor(ctx, chain)
		require.NoError(t, err)
		assert.Equal(t, uint64(12350), cursor)
	})

	t.Run("cursors are scoped per chain", func(t *testing.T) {
		cursor, err := store.GetBlockCursor(ctx, "eip155:11155111")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), cursor)
	})
}

// RunStoreTests runs the whole store suite against an implementation
func RunStoreTests(t *testing.T, initDB func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(*testing.T, Store)
	}{
		{"AssetLifecycle", testAssetLifecycle},
		{"AssetListingRef", testAssetListingRef},
		{"ListingLifecycle", testListingLifecycle},
		{"GetAssetsByOwner", testGetAssetsByOwner},
		{"GetListingsByStatus", testGetListingsByStatus},
		{"BlockCursor", testBlockCursor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := initDB(t)
			tt.fn(t, store)
		})
	}
}
