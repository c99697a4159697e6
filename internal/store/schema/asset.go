package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/mosaicart/market-mirror/internal/domain"
)

// TransferRecord is one entry in an asset's append-only transfer history
type TransferRecord struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	TxHash      string    `json:"tx_hash"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
}

// Asset represents the assets table - one token under one registry contract.
// The natural key (contract_address, token_number) is immutable once set.
// The whole row is guarded by a single version token so that owner, history
// and the listing reference always change together.
type Asset struct {
	// ID is the internal database primary key
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// ContractAddress is the registry contract address
	ContractAddress string `gorm:"column:contract_address;not null;type:text;uniqueIndex:idx_assets_contract_token,priority:1"`
	// TokenNumber is the token ID within the contract (string to support very large numbers)
	TokenNumber string `gorm:"column:token_number;not null;type:text;uniqueIndex:idx_assets_contract_token,priority:2"`
	// CurrentOwner reflects the `to` address of the most recently applied transfer
	CurrentOwner string `gorm:"column:current_owner;not null;type:text;index"`
	// Creator is set once, at the first-seen mint transfer (nil when the
	// asset was first observed through a non-mint transfer)
	Creator *string `gorm:"column:creator;type:text"`
	// MintedAt is set once, together with Creator
	MintedAt *time.Time `gorm:"column:minted_at"`
	// MetadataURI is the token's metadata locator as reported by the contract
	MetadataURI *string `gorm:"column:metadata_uri;type:text"`
	// Metadata is the resolved metadata document (best-effort, set once)
	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb"`
	// MetadataHash is the sha256 of the JCS-canonicalized metadata document
	MetadataHash *string `gorm:"column:metadata_hash;type:text"`
	// History is the append-only ordered sequence of transfers
	History datatypes.JSON `gorm:"column:history;type:jsonb"`

	// Active-listing reference. Either all four are set and point at a
	// listing in status active, or all four are null. ListingContract is the
	// marketplace contract the listing id is scoped to; ids alone may
	// collide across marketplaces.
	ListingContract *string `gorm:"column:listing_contract;type:text;index:idx_assets_listing_ref,priority:1"`
	ListingID       *string `gorm:"column:listing_id;type:text;index:idx_assets_listing_ref,priority:2"`
	ListingSeller   *string `gorm:"column:listing_seller;type:text"`
	ListingPrice    *string `gorm:"column:listing_price;type:text"` // decimal string, never floating point

	// Block order of the last applied transfer, used for the monotonic
	// last-writer-wins check under out-of-order delivery
	LastTransferBlock    uint64 `gorm:"column:last_transfer_block;not null;default:0"`
	LastTransferTxIndex  uint64 `gorm:"column:last_transfer_tx_index;not null;default:0"`
	LastTransferLogIndex uint64 `gorm:"column:last_transfer_log_index;not null;default:0"`

	// Version is the optimistic concurrency token, bumped on every write
	Version uint64 `gorm:"column:version;not null;default:1"`

	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime"`
}

// TableName specifies the table name for the Asset model
func (Asset) TableName() string {
	return "assets"
}

// LastTransferOrder returns the block order of the last applied transfer
func (a *Asset) LastTransferOrder() domain.BlockOrder {
	return domain.BlockOrder{
		BlockNumber: a.LastTransferBlock,
		TxIndex:     a.LastTransferTxIndex,
		LogIndex:    a.LastTransferLogIndex,
	}
}

// SetLastTransferOrder records the block order of an applied transfer
func (a *Asset) SetLastTransferOrder(order domain.BlockOrder) {
	a.LastTransferBlock = order.BlockNumber
	a.LastTransferTxIndex = order.TxIndex
	a.LastTransferLogIndex = order.LogIndex
}

// ClearListingRef unsets the active-listing reference
func (a *Asset) ClearListingRef() {
	a.ListingContract = nil
	a.ListingID = nil
	a.ListingSeller = nil
	a.ListingPrice = nil
}

// SetListingRef points the asset at an active listing
func (a *Asset) SetListingRef(listingContract, listingID, seller, price string) {
	a.ListingContract = &listingContract
	a.ListingID = &listingID
	a.ListingSeller = &seller
	a.ListingPrice = &price
}

// ReferencesListing reports whether the active-listing reference points at
// the given listing
func (a *Asset) ReferencesListing(listingContract, listingID string) bool {
	return a.ListingContract != nil && *a.ListingContract == listingContract &&
		a.ListingID != nil && *a.ListingID == listingID
}

// HistoryRecords decodes the transfer history
func (a *Asset) HistoryRecords() ([]TransferRecord, error) {
	if len(a.History) == 0 {
		return nil, nil
	}
	var records []TransferRecord
	if err := json.Unmarshal(a.History, &records); err != nil {
		return nil, fmt.Errorf("failed to decode transfer history: %w", err)
	}
	return records, nil
}

// AppendHistory appends one transfer to the history
func (a *Asset) AppendHistory(record TransferRecord) error {
	records, err := a.HistoryRecords()
	if err != nil {
		return err
	}
	records = append(records, record)
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode transfer history: %w", err)
	}
	a.History = data
	return nil
}
