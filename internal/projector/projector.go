package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mosaicart/market-mirror/internal/domain"
	"github.com/mosaicart/market-mirror/internal/logger"
	"github.com/mosaicart/market-mirror/internal/metadata"
	"github.com/mosaicart/market-mirror/internal/store"
	"github.com/mosaicart/market-mirror/internal/store/schema"
)

// Config holds the conflict-retry bounds for the projector
type Config struct {
	// MaxAttempts bounds the read-compute-write cycles per event
	MaxAttempts uint64
	// RetryInterval is the initial backoff between conflicting attempts
	RetryInterval time.Duration
}

const (
	DEFAULT_MAX_ATTEMPTS   = 5
	DEFAULT_RETRY_INTERVAL = 50 * time.Millisecond
)

// Projector applies market events as state transitions on the asset and
// listing projections.
//
// Apply is safe to call concurrently for distinct events, including events
// touching the same entity: every transition is a read-compute-write cycle
// guarded by the store's version tokens, and conflicting cycles are retried
// from the read step. Redelivered and out-of-order events converge to the
// same state as in-order single delivery.
//
//go:generate mockgen -source=projector.go -destination=../mocks/projector.go -package=mocks -mock_names=Projector=MockProjector
type Projector interface {
	// Apply projects one event. It returns domain.ErrMalformedEvent for
	// events failing validation and domain.ErrRetriesExhausted when the
	// transition kept conflicting past the retry bound; both leave the
	// projections in a consistent state.
	Apply(ctx context.Context, event *domain.MarketEvent) error
}

type projector struct {
	store         store.Store
	fetcher       metadata.Fetcher
	maxAttempts   uint64
	retryInterval time.Duration
}

// New creates a projector backed by the given store. The fetcher is used
// best-effort on the asset-creation path and may be nil to disable
// enrichment entirely.
func New(s store.Store, fetcher metadata.Fetcher, cfg Config) Projector {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DEFAULT_MAX_ATTEMPTS
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DEFAULT_RETRY_INTERVAL
	}

	return &projector{
		store:         s,
		fetcher:       fetcher,
		maxAttempts:   cfg.MaxAttempts,
		retryInterval: cfg.RetryInterval,
	}
}

func (p *projector) Apply(ctx context.Context, event *domain.MarketEvent) error {
	if event == nil || !event.Valid() {
		return fmt.Errorf("%w: %+v", domain.ErrMalformedEvent, event)
	}

	switch event.EventType {
	case domain.EventTypeTransfer:
		return p.withConflictRetry(ctx, func() error {
			return p.applyTransfer(ctx, event)
		})
	case domain.EventTypeItemListed:
		return p.withConflictRetry(ctx, func() error {
			return p.applyItemListed(ctx, event)
		})
	case domain.EventTypeItemSold:
		return p.withConflictRetry(ctx, func() error {
			return p.applyListingTerminal(ctx, event, domain.ListingStatusSold)
		})
	case domain.EventTypeListingCancelled:
		return p.withConflictRetry(ctx, func() error {
			return p.applyListingTerminal(ctx, event, domain.ListingStatusCancelled)
		})
	default:
		return fmt.Errorf("%w: unknown event type %s", domain.ErrMalformedEvent, event.EventType)
	}
}

// withConflictRetry re-runs a read-compute-write cycle while it loses
// version races, up to the attempt bound. Any other error aborts
// immediately.
func (p *projector) withConflictRetry(ctx context.Context, cycle func() error) error {
	operation := func() error {
		err := cycle()
		if err == nil || errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryInterval

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, p.maxAttempts-1), ctx))
	if errors.Is(err, domain.ErrVersionConflict) {
		return fmt.Errorf("%w after %d attempts: %v", domain.ErrRetriesExhausted, p.maxAttempts, err)
	}
	return err
}

// applyTransfer is one read-compute-write cycle for a transfer event
func (p *projector) applyTransfer(ctx context.Context, event *domain.MarketEvent) error {
	asset, err := p.store.GetAsset(ctx, event.TokenContract, event.TokenNumber)
	if err != nil {
		return fmt.Errorf("failed to get asset: %w", err)
	}

	if asset == nil {
		return p.createAssetFromTransfer(ctx, event)
	}

	order := event.BlockOrder()
	if !order.After(asset.LastTransferOrder()) {
		logger.DebugCtx(ctx, "Skipping stale or duplicate transfer",
			zap.String("asset", event.AssetKey()),
			zap.Uint64("blockNumber", event.BlockNumber))
		return nil
	}

	to := domain.NormalizeAddress(*event.ToAddress)
	asset.CurrentOwner = to
	asset.SetLastTransferOrder(order)
	if err := asset.AppendHistory(transferRecord(event)); err != nil {
		return err
	}

	return p.store.UpdateAsset(ctx, asset, asset.Version)
}

// createAssetFromTransfer projects the first-seen transfer of a token
func (p *projector) createAssetFromTransfer(ctx context.Context, event *domain.MarketEvent) error {
	asset := &schema.Asset{
		ContractAddress: domain.NormalizeAddress(event.TokenContract),
		TokenNumber:     event.TokenNumber,
		CurrentOwner:    domain.NormalizeAddress(*event.ToAddress),
	}
	asset.SetLastTransferOrder(event.BlockOrder())
	if err := asset.AppendHistory(transferRecord(event)); err != nil {
		return err
	}

	if event.IsMint() {
		creator := domain.NormalizeAddress(*event.ToAddress)
		mintedAt := event.Timestamp
		asset.Creator = &creator
		asset.MintedAt = &mintedAt
	}

	p.enrich(ctx, asset, event)

	if err := p.store.CreateAsset(ctx, asset); err != nil {
		return fmt.Errorf("failed to create asset %s: %w", event.AssetKey(), err)
	}

	logger.InfoCtx(ctx, "Asset created",
		zap.String("asset", event.AssetKey()),
		zap.Bool("mint", event.IsMint()))
	return nil
}

// enrich attaches the token's metadata to the asset before its first
// persist. Failures are logged and never abort the transfer projection.
func (p *projector) enrich(ctx context.Context, asset *schema.Asset, event *domain.MarketEvent) {
	if p.fetcher == nil {
		return
	}

	md, err := p.fetcher.Fetch(ctx, asset.ContractAddress, asset.TokenNumber)
	if err != nil {
		logger.WarnCtx(ctx, "Metadata enrichment failed, creating asset without metadata",
			zap.String("asset", event.AssetKey()),
			zap.Error(err))
		return
	}

	doc, err := json.Marshal(md.Raw)
	if err != nil {
		logger.WarnCtx(ctx, "Failed to encode metadata document",
			zap.String("asset", event.AssetKey()),
			zap.Error(err))
		return
	}

	asset.MetadataURI = &md.URI
	asset.Metadata = doc
	asset.MetadataHash = &md.Hash
}

// applyItemListed is one read-compute-write cycle for an ItemListed event
func (p *projector) applyItemListed(ctx context.Context, event *domain.MarketEvent) error {
	marketplace := domain.NormalizeAddress(event.ContractAddress)

	listing, err := p.store.GetListing(ctx, marketplace, event.ListingID)
	if err != nil {
		return fmt.Errorf("failed to get listing: %w", err)
	}

	if listing != nil {
		// Redelivery: the first projection of this key is authoritative.
		// The asset reference is still reconciled, because a previous cycle
		// may have created the listing and then lost the version race on the
		// asset write.
		logger.DebugCtx(ctx, "Duplicate ItemListed, reconciling asset reference",
			zap.String("listingID", event.ListingID),
			zap.String("marketplace", marketplace))
		if listing.Status != domain.ListingStatusActive {
			return nil
		}
		return p.setAssetListingRef(ctx, listing)
	}

	listing = &schema.Listing{
		ContractAddress: marketplace,
		ListingID:       event.ListingID,
		TokenContract:   domain.NormalizeAddress(event.TokenContract),
		TokenNumber:     event.TokenNumber,
		Seller:          domain.NormalizeAddress(*event.Seller),
		Price:           *event.Price,
		Status:          domain.ListingStatusActive,
	}
	if err := p.store.CreateListing(ctx, listing); err != nil {
		return fmt.Errorf("failed to create listing %s: %w", event.ListingID, err)
	}

	logger.InfoCtx(ctx, "Listing created",
		zap.String("listingID", event.ListingID),
		zap.String("marketplace", marketplace),
		zap.String("token", event.AssetKey()))

	return p.setAssetListingRef(ctx, listing)
}

// setAssetListingRef points the listed token's asset at its active listing.
// A token not yet projected is skipped: the listing row is authoritative and
// a later transfer creates the asset without a reference. An asset already
// pointing at this listing is left alone so redeliveries write nothing.
func (p *projector) setAssetListingRef(ctx context.Context, listing *schema.Listing) error {
	asset, err := p.store.GetAsset(ctx, listing.TokenContract, listing.TokenNumber)
	if err != nil {
		return fmt.Errorf("failed to get asset: %w", err)
	}
	if asset == nil {
		logger.InfoCtx(ctx, "Listed token not yet projected, skipping asset reference",
			zap.String("listingID", listing.ListingID),
			zap.String("tokenContract", listing.TokenContract),
			zap.String("tokenNumber", listing.TokenNumber))
		return nil
	}
	if asset.ReferencesListing(listing.ContractAddress, listing.ListingID) {
		return nil
	}

	asset.SetListingRef(listing.ContractAddress, listing.ListingID, listing.Seller, listing.Price)
	return p.store.UpdateAsset(ctx, asset, asset.Version)
}

// applyListingTerminal is one read-compute-write cycle moving a listing to
// a terminal status
func (p *projector) applyListingTerminal(ctx context.Context, event *domain.MarketEvent, status domain.ListingStatus) error {
	marketplace := domain.NormalizeAddress(event.ContractAddress)

	listing, err := p.store.GetListing(ctx, marketplace, event.ListingID)
	if err != nil {
		return fmt.Errorf("failed to get listing: %w", err)
	}
	if listing == nil {
		// The listing was never projected. The event is kept out of the
		// projections rather than guessed at.
		logger.WarnCtx(ctx, "Listing lifecycle event for unknown listing, skipping",
			zap.String("listingID", event.ListingID),
			zap.String("marketplace", marketplace),
			zap.String("eventType", string(event.EventType)))
		return nil
	}

	if listing.Status.Terminal() {
		// Terminal listings are immutable, but the asset reference is still
		// reconciled: a previous cycle may have closed the listing and then
		// lost the version race on the asset write. The lookup is scoped to
		// this listing, so a re-listed token's fresh reference survives late
		// duplicates.
		logger.DebugCtx(ctx, "Listing already terminal, reconciling asset reference",
			zap.String("listingID", event.ListingID),
			zap.String("status", string(listing.Status)))
		return p.clearAssetListingRef(ctx, listing)
	}

	listing.Status = status
	if err := p.store.UpdateListing(ctx, listing, listing.Version); err != nil {
		return err
	}

	logger.InfoCtx(ctx, "Listing closed",
		zap.String("listingID", event.ListingID),
		zap.String("marketplace", marketplace),
		zap.String("status", string(status)))

	return p.clearAssetListingRef(ctx, listing)
}

// clearAssetListingRef unsets the reference on whichever asset still points
// at the closed listing
func (p *projector) clearAssetListingRef(ctx context.Context, listing *schema.Listing) error {
	asset, err := p.store.GetAssetByListingID(ctx, listing.ContractAddress, listing.ListingID)
	if err != nil {
		return fmt.Errorf("failed to get asset by listing: %w", err)
	}
	if asset == nil {
		return nil
	}

	asset.ClearListingRef()
	return p.store.UpdateAsset(ctx, asset, asset.Version)
}

func transferRecord(event *domain.MarketEvent) schema.TransferRecord {
	from := domain.ETHEREUM_ZERO_ADDRESS
	if event.FromAddress != nil && *event.FromAddress != "" {
		from = domain.NormalizeAddress(*event.FromAddress)
	}

	return schema.TransferRecord{
		From:        from,
		To:          domain.NormalizeAddress(*event.ToAddress),
		TxHash:      event.TxHash,
		BlockNumber: event.BlockNumber,
		Timestamp:   event.Timestamp,
	}
}
