package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/mosaicart/market-mirror/internal/adapter"
	"github.com/mosaicart/market-mirror/internal/domain"
	"github.com/mosaicart/market-mirror/internal/logger"
)

// Event signatures
var (
	// Transfer event signature - shared by ERC20 and ERC721
	// ERC20: Transfer(address indexed from, address indexed to, uint256 value) - 3 topics
	// ERC721: Transfer(address indexed from, address indexed to, uint256 indexed tokenId) - 4 topics
	transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	// Marketplace ItemListed(uint256 indexed listingId, address indexed nftContract, uint256 indexed tokenId, address seller, uint256 price)
	itemListedEventSignature = crypto.Keccak256Hash([]byte("ItemListed(uint256,address,uint256,address,uint256)"))

	// Marketplace ItemSold(uint256 indexed listingId, address indexed buyer)
	itemSoldEventSignature = crypto.Keccak256Hash([]byte("ItemSold(uint256,address)"))

	// Marketplace ListingCancelled(uint256 indexed listingId)
	listingCancelledEventSignature = crypto.Keccak256Hash([]byte("ListingCancelled(uint256)"))
)

// EthereumClient wraps the node connection with the contract calls and log
// decoding the mirror needs
type EthereumClient interface {
	// ParseEventLog parses an Ethereum log into a normalized market event
	ParseEventLog(ctx context.Context, vLog types.Log) (*domain.MarketEvent, error)

	// SubscribeFilterLogs subscribes to filter logs
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)

	// HeaderByNumber returns a header by number
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)

	// ERC721TokenURI fetches the tokenURI from an ERC721 contract
	ERC721TokenURI(ctx context.Context, contractAddress string, tokenNumber string) (string, error)

	// Close closes the connection
	Close()
}

//go:generate mockgen -source=client.go -destination=../../mocks/ethereum_client.go -package=mocks -mock_names=EthereumClient=MockEthereumClient

type ethereumClient struct {
	chainID domain.Chain
	client  adapter.EthClient
	clock   adapter.Clock
}

func NewClient(chainID domain.Chain, client adapter.EthClient, clock adapter.Clock) EthereumClient {
	return &ethereumClient{chainID: chainID, client: client, clock: clock}
}

// SubscribeFilterLogs subscribes to filter logs
func (c *ethereumClient) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.client.SubscribeFilterLogs(ctx, query, ch)
}

// HeaderByNumber returns a header by number
func (c *ethereumClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.client.HeaderByNumber(ctx, number)
}

func (c *ethereumClient) ERC721TokenURI(ctx context.Context, contractAddress string, tokenNumber string) (string, error) {
	// ERC721 tokenURI function signature: tokenURI(uint256) returns (string)
	tokenURIABI, err := abi.JSON(strings.NewReader(`[{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"tokenURI","outputs":[{"name":"","type":"string"}],"payable":false,"stateMutability":"view","type":"function"}]`))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}

	tokenID, ok := new(big.Int).SetString(tokenNumber, 10)
	if !ok {
		return "", fmt.Errorf("invalid token number: %s", tokenNumber)
	}

	data, err := tokenURIABI.Pack("tokenURI", tokenID)
	if err != nil {
		return "", fmt.Errorf("failed to pack data: %w", err)
	}

	contractAddr := common.HexToAddress(contractAddress)
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &contractAddr,
		Data: data,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to call contract: %w", err)
	}

	var uri string
	if err := tokenURIABI.UnpackIntoInterface(&uri, "tokenURI", result); err != nil {
		return "", fmt.Errorf("failed to unpack result: %w", err)
	}

	return uri, nil
}

// ParseEventLog parses an Ethereum log into a normalized market event.
// A nil event with a nil error means the log is recognized but not relevant
// (e.g., an ERC20 transfer sharing the Transfer signature).
func (c *ethereumClient) ParseEventLog(ctx context.Context, vLog types.Log) (*domain.MarketEvent, error) {
	// Get block to extract timestamp
	block, err := c.client.BlockByNumber(ctx, new(big.Int).SetUint64(vLog.BlockNumber))
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}

	event := &domain.MarketEvent{
		Chain:           c.chainID,
		ContractAddress: vLog.Address.Hex(),
		TxHash:          vLog.TxHash.Hex(),
		BlockNumber:     vLog.BlockNumber,
		TxIndex:         uint64(vLog.TxIndex),
		LogIndex:        uint64(vLog.Index),
		Timestamp:       c.clock.Unix(int64(block.Time()), 0),
	}

	if len(vLog.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}

	switch vLog.Topics[0] {
	case transferEventSignature:
		// This signature is shared by ERC20 and ERC721.
		// ERC20 has 3 topics (signature, from, to) with value in data;
		// ERC721 has 4 topics with no data.
		if len(vLog.Topics) == 3 {
			logger.Debug("Skipping ERC20 transfer event",
				zap.String("contract", vLog.Address.Hex()),
				zap.String("txHash", vLog.TxHash.Hex()))
			return nil, nil
		}

		if len(vLog.Topics) != 4 {
			return nil, fmt.Errorf("invalid Transfer event: expected 3 or 4 topics, got %d", len(vLog.Topics))
		}

		// ERC721 Transfer(address indexed from, address indexed to, uint256 indexed tokenId)
		event.EventType = domain.EventTypeTransfer
		fromAddress := common.BytesToAddress(vLog.Topics[1].Bytes()).Hex()
		event.FromAddress = &fromAddress
		toAddress := common.BytesToAddress(vLog.Topics[2].Bytes()).Hex()
		event.ToAddress = &toAddress
		event.TokenContract = vLog.Address.Hex()
		event.TokenNumber = new(big.Int).SetBytes(vLog.Topics[3].Bytes()).String()

	case itemListedEventSignature:
		// ItemListed(uint256 indexed listingId, address indexed nftContract, uint256 indexed tokenId, address seller, uint256 price)
		if len(vLog.Topics) != 4 {
			return nil, fmt.Errorf("invalid ItemListed event: expected 4 topics, got %d", len(vLog.Topics))
		}
		if len(vLog.Data) < 64 {
			return nil, fmt.Errorf("invalid ItemListed event: insufficient data")
		}

		event.EventType = domain.EventTypeItemListed
		event.ListingID = new(big.Int).SetBytes(vLog.Topics[1].Bytes()).String()
		event.TokenContract = common.BytesToAddress(vLog.Topics[2].Bytes()).Hex()
		event.TokenNumber = new(big.Int).SetBytes(vLog.Topics[3].Bytes()).String()

		// Data: first 32 bytes = seller (left-padded address), next 32 bytes = price
		seller := common.BytesToAddress(vLog.Data[0:32]).Hex()
		event.Seller = &seller
		price := new(big.Int).SetBytes(vLog.Data[32:64]).String()
		event.Price = &price

	case itemSoldEventSignature:
		// ItemSold(uint256 indexed listingId, address indexed buyer)
		if len(vLog.Topics) != 3 {
			return nil, fmt.Errorf("invalid ItemSold event: expected 3 topics, got %d", len(vLog.Topics))
		}

		event.EventType = domain.EventTypeItemSold
		event.ListingID = new(big.Int).SetBytes(vLog.Topics[1].Bytes()).String()
		buyer := common.BytesToAddress(vLog.Topics[2].Bytes()).Hex()
		event.Buyer = &buyer

	case listingCancelledEventSignature:
		// ListingCancelled(uint256 indexed listingId)
		if len(vLog.Topics) != 2 {
			return nil, fmt.Errorf("invalid ListingCancelled event: expected 2 topics, got %d", len(vLog.Topics))
		}

		event.EventType = domain.EventTypeListingCancelled
		event.ListingID = new(big.Int).SetBytes(vLog.Topics[1].Bytes()).String()

	default:
		return nil, fmt.Errorf("unknown event signature: %s", vLog.Topics[0].Hex())
	}

	return event, nil
}

// Close closes the connection
func (c *ethereumClient) Close() {
	if c.client == nil {
		return
	}
	c.client.Close()
}
