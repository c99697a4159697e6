package schema

import (
	"time"

	"github.com/mosaicart/market-mirror/internal/domain"
)

// Listing represents the listings table - one marketplace offer.
// The natural key is (contract_address, listing_id): listing ids are scoped
// to the emitting marketplace contract so id reuse across contracts cannot
// collide. Rows are never deleted; terminal rows are immutable.
type Listing struct {
	// ID is the internal database primary key
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// ContractAddress is the marketplace contract that emitted the listing
	ContractAddress string `gorm:"column:contract_address;not null;type:text;uniqueIndex:idx_listings_contract_listing,priority:1"`
	// ListingID is the marketplace-assigned listing identifier
	ListingID string `gorm:"column:listing_id;not null;type:text;uniqueIndex:idx_listings_contract_listing,priority:2"`
	// TokenContract is the registry contract of the listed token
	TokenContract string `gorm:"column:token_contract;not null;type:text"`
	// TokenNumber is the listed token's ID within its registry contract
	TokenNumber string `gorm:"column:token_number;not null;type:text"`
	// Seller is the listing creator's address
	Seller string `gorm:"column:seller;not null;type:text"`
	// Price is a decimal string to preserve arbitrary precision
	Price string `gorm:"column:price;not null;type:text"`
	// Status only moves forward: active -> sold | cancelled
	Status domain.ListingStatus `gorm:"column:status;not null;type:text;index"`

	// Version is the optimistic concurrency token, bumped on every write
	Version uint64 `gorm:"column:version;not null;default:1"`

	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime"`
}

// TableName specifies the table name for the Listing model
func (Listing) TableName() string {
	return "listings"
}
