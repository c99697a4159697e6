package projector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicart/market-mirror/internal/domain"
	"github.com/mosaicart/market-mirror/internal/logger"
	"github.com/mosaicart/market-mirror/internal/metadata"
	"github.com/mosaicart/market-mirror/internal/mocks"
	"github.com/mosaicart/market-mirror/internal/store/schema"
)

func TestMain(m *testing.M) {
	if err := logger.Initialize(logger.Config{Debug: true}); err != nil {
		panic(err)
	}
	m.Run()
}

const (
	registryContract    = "0x1111111111111111111111111111111111111111"
	marketplaceContract = "0x2222222222222222222222222222222222222222"
	otherMarketplace    = "0x3333333333333333333333333333333333333333"
	addrA               = "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"
	addrB               = "0xBBbBBBbbBBBbbbBbbBbbbbBBbBBbbbBBbBBbBBbB"
	addrS               = "0xCcCCccccCCCCcCCCCCCcCcCccCcCCCcCcccccccC"
)

// memStore is an in-memory store honoring the conditional-write contract,
// so races and redeliveries exercise the same conflict paths as Postgres.
type memStore struct {
	mu       sync.Mutex
	assets   map[string]schema.Asset
	listings map[string]schema.Listing

	// updateErrs, when non-empty, overrides the outcome of successive
	// UpdateAsset calls (nil means success)
	updateErrs []error
}

func newMemStore() *memStore {
	return &memStore{
		assets:   make(map[string]schema.Asset),
		listings: make(map[string]schema.Listing),
	}
}

func assetKey(contractAddress, tokenNumber string) string {
	return contractAddress + ":" + tokenNumber
}

func listingKey(contractAddress, listingID string) string {
	return contractAddress + ":" + listingID
}

func (s *memStore) GetAsset(_ context.Context, contractAddress, tokenNumber string) (*schema.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetKey(contractAddress, tokenNumber)]
	if !ok {
		return nil, nil
	}
	copied := a
	return &copied, nil
}

func (s *memStore) GetAssetByListingID(_ context.Context, listingContract, listingID string) (*schema.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assets {
		if a.ReferencesListing(listingContract, listingID) {
			copied := a
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memStore) CreateAsset(_ context.Context, asset *schema.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assetKey(asset.ContractAddress, asset.TokenNumber)
	if _, ok := s.assets[key]; ok {
		return domain.ErrVersionConflict
	}
	asset.Version = 1
	s.assets[key] = *asset
	return nil
}

func (s *memStore) UpdateAsset(_ context.Context, asset *schema.Asset, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updateErrs) > 0 {
		err := s.updateErrs[0]
		s.updateErrs = s.updateErrs[1:]
		if err != nil {
			return err
		}
	}
	key := assetKey(asset.ContractAddress, asset.TokenNumber)
	current, ok := s.assets[key]
	if !ok || current.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	asset.Version = expectedVersion + 1
	s.assets[key] = *asset
	return nil
}

func (s *memStore) GetListing(_ context.Context, contractAddress, listingID string) (*schema.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[listingKey(contractAddress, listingID)]
	if !ok {
		return nil, nil
	}
	copied := l
	return &copied, nil
}

func (s *memStore) CreateListing(_ context.Context, listing *schema.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := listingKey(listing.ContractAddress, listing.ListingID)
	if _, ok := s.listings[key]; ok {
		return domain.ErrVersionConflict
	}
	listing.Version = 1
	s.listings[key] = *listing
	return nil
}

func (s *memStore) UpdateListing(_ context.Context, listing *schema.Listing, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := listingKey(listing.ContractAddress, listing.ListingID)
	current, ok := s.listings[key]
	if !ok || current.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	listing.Version = expectedVersion + 1
	s.listings[key] = *listing
	return nil
}

func (s *memStore) GetAssetsByOwner(_ context.Context, _ string, _ int, _ uint64) ([]schema.Asset, uint64, error) {
	return nil, 0, nil
}

func (s *memStore) GetListingsByStatus(_ context.Context, _ domain.ListingStatus, _ int, _ uint64) ([]schema.Listing, uint64, error) {
	return nil, 0, nil
}

func (s *memStore) GetBlockCursor(_ context.Context, _ string) (uint64, error) { return 0, nil }

func (s *memStore) SetBlockCursor(_ context.Context, _ string, _ uint64) error { return nil }

func strPtr(s string) *string { return &s }

func transferEvent(from, to, tokenNumber string, blockNumber uint64) *domain.MarketEvent {
	return &domain.MarketEvent{
		Chain:           domain.ChainEthereumMainnet,
		ContractAddress: registryContract,
		EventType:       domain.EventTypeTransfer,
		FromAddress:     strPtr(from),
		ToAddress:       strPtr(to),
		TokenContract:   registryContract,
		TokenNumber:     tokenNumber,
		TxHash:          fmt.Sprintf("0xtx%d", blockNumber),
		BlockNumber:     blockNumber,
		Timestamp:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(blockNumber) * time.Minute),
	}
}

func itemListedEvent(listingID, tokenNumber, seller, price string, blockNumber uint64) *domain.MarketEvent {
	return itemListedOn(marketplaceContract, listingID, tokenNumber, seller, price, blockNumber)
}

func itemListedOn(marketplace, listingID, tokenNumber, seller, price string, blockNumber uint64) *domain.MarketEvent {
	return &domain.MarketEvent{
		Chain:           domain.ChainEthereumMainnet,
		ContractAddress: marketplace,
		EventType:       domain.EventTypeItemListed,
		TokenContract:   registryContract,
		TokenNumber:     tokenNumber,
		ListingID:       listingID,
		Seller:          strPtr(seller),
		Price:           strPtr(price),
		TxHash:          fmt.Sprintf("0xtx%d", blockNumber),
		BlockNumber:     blockNumber,
		Timestamp:       time.Now().UTC(),
	}
}

func itemSoldEvent(listingID, buyer string, blockNumber uint64) *domain.MarketEvent {
	return itemSoldOn(marketplaceContract, listingID, buyer, blockNumber)
}

func itemSoldOn(marketplace, listingID, buyer string, blockNumber uint64) *domain.MarketEvent {
	return &domain.MarketEvent{
		Chain:           domain.ChainEthereumMainnet,
		ContractAddress: marketplace,
		EventType:       domain.EventTypeItemSold,
		ListingID:       listingID,
		Buyer:           strPtr(buyer),
		TxHash:          fmt.Sprintf("0xtx%d", blockNumber),
		BlockNumber:     blockNumber,
		Timestamp:       time.Now().UTC(),
	}
}

func listingCancelledEvent(listingID string, blockNumber uint64) *domain.MarketEvent {
	return &domain.MarketEvent{
		Chain:           domain.ChainEthereumMainnet,
		ContractAddress: marketplaceContract,
		EventType:       domain.EventTypeListingCancelled,
		ListingID:       listingID,
		TxHash:          fmt.Sprintf("0xtx%d", blockNumber),
		BlockNumber:     blockNumber,
		Timestamp:       time.Now().UTC(),
	}
}

func newTestProjector(s *memStore, fetcher metadata.Fetcher) Projector {
	return New(s, fetcher, Config{MaxAttempts: 3, RetryInterval: time.Millisecond})
}

func TestApplyTransfer_CreatesAssetOnMint(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)

	event := transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1)
	err := p.Apply(context.Background(), event)
	require.NoError(t, err)

	asset, err := s.GetAsset(context.Background(), domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, domain.NormalizeAddress(addrA), asset.CurrentOwner)
	require.NotNil(t, asset.Creator)
	assert.Equal(t, domain.NormalizeAddress(addrA), *asset.Creator)
	assert.NotNil(t, asset.MintedAt)
	assert.Equal(t, uint64(1), asset.Version)

	history, err := asset.HistoryRecords()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ETHEREUM_ZERO_ADDRESS, history[0].From)
}

func TestApplyTransfer_NonMintLeavesCreatorUnset(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)

	err := p.Apply(context.Background(), transferEvent(addrB, addrA, "7", 5))
	require.NoError(t, err)

	asset, err := s.GetAsset(context.Background(), domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Nil(t, asset.Creator)
	assert.Nil(t, asset.MintedAt)
	assert.Equal(t, domain.NormalizeAddress(addrA), asset.CurrentOwner)
}

func TestApplyTransfer_Idempotent(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	event := transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1)
	require.NoError(t, p.Apply(ctx, event))

	first, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)

	require.NoError(t, p.Apply(ctx, event))

	second, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestApplyTransfer_OutOfOrderKeepsLatestOwner(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 5)))
	require.NoError(t, p.Apply(ctx, transferEvent(addrS, addrB, "7", 3)))

	asset, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, domain.NormalizeAddress(addrA), asset.CurrentOwner)
	assert.Equal(t, uint64(5), asset.LastTransferBlock)

	history, err := asset.HistoryRecords()
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestApplyTransfer_SequentialTransfersExtendHistory(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1)))
	require.NoError(t, p.Apply(ctx, transferEvent(addrA, addrB, "7", 2)))

	asset, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, domain.NormalizeAddress(addrB), asset.CurrentOwner)

	history, err := asset.HistoryRecords()
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.NormalizeAddress(addrA), history[1].From)
	assert.Equal(t, domain.NormalizeAddress(addrB), history[1].To)
}

func TestApplyTransfer_EnrichmentFailureDoesNotBlockCreation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().
		Fetch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("gateway timeout"))

	s := newMemStore()
	p := newTestProjector(s, fetcher)

	err := p.Apply(context.Background(), transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1))
	require.NoError(t, err)

	asset, err := s.GetAsset(context.Background(), domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, domain.NormalizeAddress(addrA), asset.CurrentOwner)
	assert.Nil(t, asset.Metadata)
	assert.Nil(t, asset.MetadataURI)
}

func TestApplyTransfer_EnrichmentAttachesMetadata(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().
		Fetch(gomock.Any(), domain.NormalizeAddress(registryContract), "7").
		Return(&metadata.TokenMetadata{
			Raw:  map[string]interface{}{"name": "Composition #7"},
			Name: "Composition #7",
			URI:  "ipfs://QmMeta",
			Hash: "abc123",
		}, nil)

	s := newMemStore()
	p := newTestProjector(s, fetcher)

	err := p.Apply(context.Background(), transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1))
	require.NoError(t, err)

	asset, err := s.GetAsset(context.Background(), domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, asset)
	require.NotNil(t, asset.MetadataURI)
	assert.Equal(t, "ipfs://QmMeta", *asset.MetadataURI)
	require.NotNil(t, asset.MetadataHash)
	assert.Equal(t, "abc123", *asset.MetadataHash)
	assert.JSONEq(t, `{"name":"Composition #7"}`, string(asset.Metadata))
}

func TestApplyTransfer_EnrichmentOnlyOnCreation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fetcher := mocks.NewMockFetcher(ctrl)
	// One creation, one follow-up transfer: exactly one fetch
	fetcher.EXPECT().
		Fetch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("down")).
		Times(1)

	s := newMemStore()
	p := newTestProjector(s, fetcher)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1)))
	require.NoError(t, p.Apply(ctx, transferEvent(addrA, addrB, "7", 2)))
}

func TestApplyItemListed_NoPriorAsset(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	err := p.Apply(ctx, itemListedEvent("1", "7", addrS, "1000", 10))
	require.NoError(t, err)

	listing, err := s.GetListing(ctx, domain.NormalizeAddress(marketplaceContract), "1")
	require.NoError(t, err)
	require.NotNil(t, listing)
	assert.Equal(t, domain.ListingStatusActive, listing.Status)
	assert.Equal(t, "1000", listing.Price)
	assert.Equal(t, domain.NormalizeAddress(addrS), listing.Seller)

	// No asset was projected and none should appear
	asset, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	assert.Nil(t, asset)
}

func TestApplyItemListed_SetsAssetReference(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1)))
	require.NoError(t, p.Apply(ctx, itemListedEvent("1", "7", addrA, "1000", 2)))

	asset, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, domain.NormalizeAddress(addrA), asset.CurrentOwner)
	require.NotNil(t, asset.ListingContract)
	assert.Equal(t, domain.NormalizeAddress(marketplaceContract), *asset.ListingContract)
	require.NotNil(t, asset.ListingID)
	assert.Equal(t, "1", *asset.ListingID)
	require.NotNil(t, asset.ListingSeller)
	assert.Equal(t, domain.NormalizeAddress(addrA), *asset.ListingSeller)
	require.NotNil(t, asset.ListingPrice)
	assert.Equal(t, "1000", *asset.ListingPrice)
}

func TestApplyItemListed_RedeliveryIsNoOp(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	event := itemListedEvent("1", "7", addrS, "1000", 10)
	require.NoError(t, p.Apply(ctx, event))

	before, err := s.GetListing(ctx, domain.NormalizeAddress(marketplaceContract), "1")
	require.NoError(t, err)

	require.NoError(t, p.Apply(ctx, event))

	after, err := s.GetListing(ctx, domain.NormalizeAddress(marketplaceContract), "1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApplyItemListed_ConflictOnAssetReferenceRecovers(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1)))

	// The listing row is created, then the asset write loses the version
	// race. The retried cycle sees the existing listing and must still set
	// the reference.
	s.mu.Lock()
	s.updateErrs = []error{domain.ErrVersionConflict}
	s.mu.Unlock()

	require.NoError(t, p.Apply(ctx, itemListedEvent("1", "7", addrA, "1000", 2)))

	asset, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, asset)
	require.NotNil(t, asset.ListingID)
	assert.Equal(t, "1", *asset.ListingID)
	require.NotNil(t, asset.ListingContract)
	assert.Equal(t, domain.NormalizeAddress(marketplaceContract), *asset.ListingContract)

	// A later redelivery leaves the recovered reference untouched
	require.NoError(t, p.Apply(ctx, itemListedEvent("1", "7", addrA, "1000", 2)))

	again, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	assert.Equal(t, asset, again)
}

func TestApplyItemSold_ClosesListingAndClearsReference(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1)))
	require.NoError(t, p.Apply(ctx, itemListedEvent("1", "7", addrA, "1000", 2)))
	require.NoError(t, p.Apply(ctx, itemSoldEvent("1", addrB, 3)))

	listing, err := s.GetListing(ctx, domain.NormalizeAddress(marketplaceContract), "1")
	require.NoError(t, err)
	require.NotNil(t, listing)
	assert.Equal(t, domain.ListingStatusSold, listing.Status)

	asset, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, asset)
	// Owner only moves on transfer events
	assert.Equal(t, domain.NormalizeAddress(addrA), asset.CurrentOwner)
	assert.Nil(t, asset.ListingID)
	assert.Nil(t, asset.ListingSeller)
	assert.Nil(t, asset.ListingPrice)
}

func TestApplyItemSold_ConflictOnAssetClearRecovers(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1)))
	require.NoError(t, p.Apply(ctx, itemListedEvent("1", "7", addrA, "1000", 2)))

	// The listing flips to sold, then the asset clear loses the version
	// race. The retried cycle finds the listing already terminal and must
	// still clear the reference.
	s.mu.Lock()
	s.updateErrs = []error{domain.ErrVersionConflict}
	s.mu.Unlock()

	require.NoError(t, p.Apply(ctx, itemSoldEvent("1", addrB, 3)))

	listing, err := s.GetListing(ctx, domain.NormalizeAddress(marketplaceContract), "1")
	require.NoError(t, err)
	require.NotNil(t, listing)
	assert.Equal(t, domain.ListingStatusSold, listing.Status)

	asset, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Nil(t, asset.ListingContract)
	assert.Nil(t, asset.ListingID)
	assert.Nil(t, asset.ListingSeller)
	assert.Nil(t, asset.ListingPrice)
}

func TestApplyListingCancelled_ClosesListingAndClearsReference(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1)))
	require.NoError(t, p.Apply(ctx, itemListedEvent("1", "7", addrA, "1000", 2)))
	require.NoError(t, p.Apply(ctx, listingCancelledEvent("1", 3)))

	listing, err := s.GetListing(ctx, domain.NormalizeAddress(marketplaceContract), "1")
	require.NoError(t, err)
	require.NotNil(t, listing)
	assert.Equal(t, domain.ListingStatusCancelled, listing.Status)

	asset, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Nil(t, asset.ListingID)
}

func TestApplyListingTerminal_ForwardOnly(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, itemListedEvent("1", "7", addrS, "1000", 1)))
	require.NoError(t, p.Apply(ctx, itemSoldEvent("1", addrB, 2)))
	require.NoError(t, p.Apply(ctx, listingCancelledEvent("1", 3)))

	listing, err := s.GetListing(ctx, domain.NormalizeAddress(marketplaceContract), "1")
	require.NoError(t, err)
	require.NotNil(t, listing)
	assert.Equal(t, domain.ListingStatusSold, listing.Status)
}

func TestApplyListingTerminal_UnknownListingSkipped(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)

	err := p.Apply(context.Background(), itemSoldEvent("404", addrB, 2))
	require.NoError(t, err)

	listing, err := s.GetListing(context.Background(), domain.NormalizeAddress(marketplaceContract), "404")
	require.NoError(t, err)
	assert.Nil(t, listing)
}

func TestApplyListingTerminal_LateDuplicateDoesNotClearRelistedAsset(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1)))
	require.NoError(t, p.Apply(ctx, itemListedEvent("1", "7", addrA, "1000", 2)))
	require.NoError(t, p.Apply(ctx, listingCancelledEvent("1", 3)))
	// Token is listed again under a fresh listing id
	require.NoError(t, p.Apply(ctx, itemListedEvent("2", "7", addrA, "2000", 4)))

	// A late duplicate for the closed listing arrives
	require.NoError(t, p.Apply(ctx, listingCancelledEvent("1", 3)))

	asset, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, asset)
	require.NotNil(t, asset.ListingID)
	assert.Equal(t, "2", *asset.ListingID)
}

func TestApplyListingTerminal_DoesNotClearOtherMarketplaceReference(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1)))
	require.NoError(t, p.Apply(ctx, transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrB, "8", 2)))

	// Two marketplaces reuse listing id "1" for different tokens
	require.NoError(t, p.Apply(ctx, itemListedOn(marketplaceContract, "1", "7", addrA, "1000", 3)))
	require.NoError(t, p.Apply(ctx, itemListedOn(otherMarketplace, "1", "8", addrB, "2000", 4)))

	// The sale on the first marketplace clears only its own token
	require.NoError(t, p.Apply(ctx, itemSoldOn(marketplaceContract, "1", addrS, 5)))

	sold, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, sold)
	assert.Nil(t, sold.ListingID)
	assert.Nil(t, sold.ListingContract)

	kept, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "8")
	require.NoError(t, err)
	require.NotNil(t, kept)
	require.NotNil(t, kept.ListingID)
	assert.Equal(t, "1", *kept.ListingID)
	require.NotNil(t, kept.ListingContract)
	assert.Equal(t, domain.NormalizeAddress(otherMarketplace), *kept.ListingContract)
}

func TestApply_MalformedEventRejected(t *testing.T) {
	tests := []struct {
		name  string
		event *domain.MarketEvent
	}{
		{
			name:  "nil event",
			event: nil,
		},
		{
			name: "transfer without to address",
			event: &domain.MarketEvent{
				Chain:           domain.ChainEthereumMainnet,
				ContractAddress: registryContract,
				EventType:       domain.EventTypeTransfer,
				TokenContract:   registryContract,
				TokenNumber:     "7",
				TxHash:          "0xtx",
				BlockNumber:     1,
			},
		},
		{
			name: "listing without price",
			event: &domain.MarketEvent{
				Chain:           domain.ChainEthereumMainnet,
				ContractAddress: marketplaceContract,
				EventType:       domain.EventTypeItemListed,
				TokenContract:   registryContract,
				TokenNumber:     "7",
				ListingID:       "1",
				Seller:          strPtr(addrS),
				TxHash:          "0xtx",
				BlockNumber:     1,
			},
		},
		{
			name: "unknown event type",
			event: &domain.MarketEvent{
				Chain:           domain.ChainEthereumMainnet,
				ContractAddress: registryContract,
				EventType:       "metadata_update",
				TxHash:          "0xtx",
				BlockNumber:     1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMemStore()
			p := newTestProjector(s, nil)

			err := p.Apply(context.Background(), tt.event)
			assert.ErrorIs(t, err, domain.ErrMalformedEvent)
			assert.Empty(t, s.assets)
			assert.Empty(t, s.listings)
		})
	}
}

func TestApply_ConflictRetryRecovers(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1)))

	// First update attempt loses the race, second succeeds
	s.mu.Lock()
	s.updateErrs = []error{domain.ErrVersionConflict, nil}
	s.mu.Unlock()

	require.NoError(t, p.Apply(ctx, transferEvent(addrA, addrB, "7", 2)))

	asset, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, domain.NormalizeAddress(addrB), asset.CurrentOwner)
}

func TestApply_RetriesExhausted(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1)))

	// Every attempt conflicts
	s.mu.Lock()
	s.updateErrs = []error{
		domain.ErrVersionConflict,
		domain.ErrVersionConflict,
		domain.ErrVersionConflict,
		domain.ErrVersionConflict,
	}
	s.mu.Unlock()

	err := p.Apply(ctx, transferEvent(addrA, addrB, "7", 2))
	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)

	// The projection kept its pre-event state
	asset, getErr := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, getErr)
	require.NotNil(t, asset)
	assert.Equal(t, domain.NormalizeAddress(addrA), asset.CurrentOwner)
}

func TestApply_ConcurrentTransfersConverge(t *testing.T) {
	s := newMemStore()
	p := newTestProjector(s, nil)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, transferEvent(domain.ETHEREUM_ZERO_ADDRESS, addrA, "7", 1)))

	var wg sync.WaitGroup
	for i := uint64(2); i <= 6; i++ {
		wg.Add(1)
		go func(block uint64) {
			defer wg.Done()
			_ = p.Apply(ctx, transferEvent(addrA, addrB, "7", block))
		}(i)
	}
	wg.Wait()

	asset, err := s.GetAsset(ctx, domain.NormalizeAddress(registryContract), "7")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, domain.NormalizeAddress(addrB), asset.CurrentOwner)
	assert.Equal(t, uint64(6), asset.LastTransferBlock)
}
