package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Chain represents the blockchain network identifier using CAIP-2 format
type Chain string

const (
	ChainEthereumMainnet Chain = "eip155:1"
	ChainEthereumSepolia Chain = "eip155:11155111"
)

// IsValidChain checks if a chain is valid
func IsValidChain(chain Chain) bool {
	return chain == ChainEthereumMainnet || chain == ChainEthereumSepolia
}

// EventType represents the type of blockchain event
type EventType string

const (
	EventTypeTransfer         EventType = "transfer"
	EventTypeItemListed       EventType = "item_listed"
	EventTypeItemSold         EventType = "item_sold"
	EventTypeListingCancelled EventType = "listing_cancelled"
)

// ListingStatus represents the lifecycle status of a marketplace listing
type ListingStatus string

const (
	ListingStatusActive    ListingStatus = "active"
	ListingStatusSold      ListingStatus = "sold"
	ListingStatusCancelled ListingStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions
func (s ListingStatus) Terminal() bool {
	return s == ListingStatusSold || s == ListingStatusCancelled
}

// BlockOrder identifies the position of a log within the chain.
// It is comparable across events touching the same entity and is used
// for last-writer-wins decisions under out-of-order delivery.
type BlockOrder struct {
	BlockNumber uint64 `json:"block_number"`
	TxIndex     uint64 `json:"tx_index"`
	LogIndex    uint64 `json:"log_index"`
}

// After reports whether o is strictly later in chain order than other
func (o BlockOrder) After(other BlockOrder) bool {
	if o.BlockNumber != other.BlockNumber {
		return o.BlockNumber > other.BlockNumber
	}
	if o.TxIndex != other.TxIndex {
		return o.TxIndex > other.TxIndex
	}
	return o.LogIndex > other.LogIndex
}

// MarketEvent represents a normalized registry or marketplace event.
// This is the standard format published to NATS.
type MarketEvent struct {
	Chain           Chain     `json:"chain"`            // e.g., "eip155:1"
	ContractAddress string    `json:"contract_address"` // emitting contract (registry or marketplace)
	EventType       EventType `json:"event_type"`

	// Transfer fields
	FromAddress *string `json:"from_address,omitempty"`
	ToAddress   *string `json:"to_address,omitempty"`

	// TokenContract is the registry contract of the token a marketplace
	// event refers to. For transfers it equals ContractAddress.
	TokenContract string `json:"token_contract,omitempty"`
	TokenNumber   string `json:"token_number,omitempty"` // token ID (string to preserve precision)

	// Marketplace fields
	ListingID string  `json:"listing_id,omitempty"`
	Seller    *string `json:"seller,omitempty"`
	Price     *string `json:"price,omitempty"` // decimal string, never floating point
	Buyer     *string `json:"buyer,omitempty"`

	TxHash      string    `json:"tx_hash"`
	BlockNumber uint64    `json:"block_number"`
	TxIndex     uint64    `json:"tx_index"`
	LogIndex    uint64    `json:"log_index"`
	Timestamp   time.Time `json:"timestamp"`
}

// BlockOrder returns the chain position of the event
func (e *MarketEvent) BlockOrder() BlockOrder {
	return BlockOrder{
		BlockNumber: e.BlockNumber,
		TxIndex:     e.TxIndex,
		LogIndex:    e.LogIndex,
	}
}

// IsMint reports whether the event is a mint transfer (from the zero address)
func (e *MarketEvent) IsMint() bool {
	return e.EventType == EventTypeTransfer &&
		(e.FromAddress == nil || *e.FromAddress == "" || *e.FromAddress == ETHEREUM_ZERO_ADDRESS)
}

// Valid checks that the event carries every field its type requires.
// Events failing this check must be rejected before any store access.
func (e *MarketEvent) Valid() bool {
	if !IsValidChain(e.Chain) {
		return false
	}
	if !common.IsHexAddress(e.ContractAddress) {
		return false
	}
	if e.TxHash == "" || e.BlockNumber == 0 {
		return false
	}

	switch e.EventType {
	case EventTypeTransfer:
		if !validTokenNumber(e.TokenNumber) {
			return false
		}
		// to is always a real address; from may be the zero address for mints
		if e.ToAddress == nil || !common.IsHexAddress(*e.ToAddress) {
			return false
		}
		if e.FromAddress != nil && *e.FromAddress != "" && !common.IsHexAddress(*e.FromAddress) {
			return false
		}
	case EventTypeItemListed:
		if e.ListingID == "" || !validTokenNumber(e.TokenNumber) {
			return false
		}
		if !common.IsHexAddress(e.TokenContract) {
			return false
		}
		if e.Seller == nil || !common.IsHexAddress(*e.Seller) {
			return false
		}
		if e.Price == nil || !validDecimalString(*e.Price) {
			return false
		}
	case EventTypeItemSold:
		if e.ListingID == "" {
			return false
		}
		if e.Buyer == nil || !common.IsHexAddress(*e.Buyer) {
			return false
		}
	case EventTypeListingCancelled:
		if e.ListingID == "" {
			return false
		}
	default:
		return false
	}

	return true
}

// AssetKey generates the canonical asset identifier for logging
func (e *MarketEvent) AssetKey() string {
	contract := e.TokenContract
	if contract == "" {
		contract = e.ContractAddress
	}
	return fmt.Sprintf("%s:%s:%s", e.Chain, contract, e.TokenNumber)
}

// validTokenNumber checks the token number is a non-negative base-10 integer
func validTokenNumber(tokenNumber string) bool {
	if tokenNumber == "" {
		return false
	}
	n, ok := new(big.Int).SetString(tokenNumber, 10)
	return ok && n.Sign() >= 0
}

// validDecimalString checks the value is a non-negative base-10 integer string
func validDecimalString(value string) bool {
	return validTokenNumber(value)
}

// IsValidAddress checks the value is a hex Ethereum address
func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress normalizes an Ethereum address to its EIP-55 checksum form
func NormalizeAddress(address string) string {
	if strings.HasPrefix(address, "0x") {
		return common.HexToAddress(address).String()
	}
	return address
}
