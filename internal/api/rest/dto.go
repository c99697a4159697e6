package rest

import (
	"encoding/json"
	"time"

	"github.com/mosaicart/market-mirror/internal/store/schema"
)

// TransferDTO is one entry of an asset's transfer history
type TransferDTO struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	TxHash      string    `json:"tx_hash"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
}

// ListingRefDTO is the active-listing reference carried by an asset. The
// marketplace contract is included because listing ids are only unique
// within one marketplace.
type ListingRefDTO struct {
	ContractAddress string `json:"contract_address"`
	ListingID       string `json:"listing_id"`
	Seller          string `json:"seller"`
	Price           string `json:"price"`
}

// AssetDTO is the API representation of an asset
type AssetDTO struct {
	ContractAddress string                 `json:"contract_address"`
	TokenNumber     string                 `json:"token_number"`
	CurrentOwner    string                 `json:"current_owner"`
	Creator         *string                `json:"creator,omitempty"`
	MintedAt        *time.Time             `json:"minted_at,omitempty"`
	MetadataURI     *string                `json:"metadata_uri,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	MetadataHash    *string                `json:"metadata_hash,omitempty"`
	History         []TransferDTO          `json:"history"`
	Listing         *ListingRefDTO         `json:"listing,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// ListingDTO is the API representation of a listing
type ListingDTO struct {
	ContractAddress string    `json:"contract_address"`
	ListingID       string    `json:"listing_id"`
	TokenContract   string    `json:"token_contract"`
	TokenNumber     string    `json:"token_number"`
	Seller          string    `json:"seller"`
	Price           string    `json:"price"`
	Status          string    `json:"status"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ListAssetsResponse is the paginated response for GET /assets
type ListAssetsResponse struct {
	Assets []AssetDTO `json:"assets"`
	Total  uint64     `json:"total"`
	Limit  int        `json:"limit"`
	Offset uint64     `json:"offset"`
}

// ListListingsResponse is the paginated response for GET /listings
type ListListingsResponse struct {
	Listings []ListingDTO `json:"listings"`
	Total    uint64       `json:"total"`
	Limit    int          `json:"limit"`
	Offset   uint64       `json:"offset"`
}

// CursorResponse is the response for GET /cursors/:chain
type CursorResponse struct {
	Chain       string `json:"chain"`
	BlockNumber uint64 `json:"block_number"`
}

// mapAsset converts a schema asset to its API representation
func mapAsset(asset *schema.Asset) (*AssetDTO, error) {
	records, err := asset.HistoryRecords()
	if err != nil {
		return nil, err
	}

	history := make([]TransferDTO, 0, len(records))
	for _, r := range records {
		history = append(history, TransferDTO{
			From:        r.From,
			To:          r.To,
			TxHash:      r.TxHash,
			BlockNumber: r.BlockNumber,
			Timestamp:   r.Timestamp,
		})
	}

	dto := &AssetDTO{
		ContractAddress: asset.ContractAddress,
		TokenNumber:     asset.TokenNumber,
		CurrentOwner:    asset.CurrentOwner,
		Creator:         asset.Creator,
		MintedAt:        asset.MintedAt,
		MetadataURI:     asset.MetadataURI,
		MetadataHash:    asset.MetadataHash,
		History:         history,
		UpdatedAt:       asset.UpdatedAt,
	}

	if len(asset.Metadata) > 0 {
		var metadata map[string]interface{}
		if err := json.Unmarshal(asset.Metadata, &metadata); err == nil {
			dto.Metadata = metadata
		}
	}

	if asset.ListingContract != nil && asset.ListingID != nil && asset.ListingSeller != nil && asset.ListingPrice != nil {
		dto.Listing = &ListingRefDTO{
			ContractAddress: *asset.ListingContract,
			ListingID:       *asset.ListingID,
			Seller:          *asset.ListingSeller,
			Price:           *asset.ListingPrice,
		}
	}

	return dto, nil
}

// mapListing converts a schema listing to its API representation
func mapListing(listing *schema.Listing) ListingDTO {
	return ListingDTO{
		ContractAddress: listing.ContractAddress,
		ListingID:       listing.ListingID,
		TokenContract:   listing.TokenContract,
		TokenNumber:     listing.TokenNumber,
		Seller:          listing.Seller,
		Price:           listing.Price,
		Status:          string(listing.Status),
		UpdatedAt:       listing.UpdatedAt,
	}
}
