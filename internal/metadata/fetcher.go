package metadata

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mosaicart/market-mirror/internal/adapter"
	"github.com/mosaicart/market-mirror/internal/domain"
	"github.com/mosaicart/market-mirror/internal/providers/ethereum"
	"github.com/mosaicart/market-mirror/internal/uri"
)

// TokenMetadata represents the normalized metadata of a token
type TokenMetadata struct {
	Raw       map[string]interface{} `json:"raw"`
	Name      string                 `json:"name"`
	Image     string                 `json:"image"`
	Animation string                 `json:"animation"`
	URI       string                 `json:"uri"`
	Hash      string                 `json:"hash"`
}

// Fetcher defines the interface for fetching token metadata
//
//go:generate mockgen -source=fetcher.go -destination=../mocks/metadata_fetcher.go -package=mocks -mock_names=Fetcher=MockFetcher
type Fetcher interface {
	// Fetch retrieves and normalizes the metadata document of a token.
	// It is bounded by its own timeout independent of the caller's deadline.
	Fetch(ctx context.Context, contractAddress string, tokenNumber string) (*TokenMetadata, error)
}

type fetcher struct {
	ethClient  ethereum.EthereumClient
	resolver   uri.Resolver
	httpClient adapter.HTTPClient
	json       adapter.JSON
	jcs        adapter.JCS
	timeout    time.Duration
}

func NewFetcher(ethClient ethereum.EthereumClient, resolver uri.Resolver, httpClient adapter.HTTPClient, json adapter.JSON, jcsAdapter adapter.JCS, timeout time.Duration) Fetcher {
	if timeout <= 0 {
		timeout = domain.DEFAULT_METADATA_TIMEOUT
	}

	return &fetcher{
		ethClient:  ethClient,
		resolver:   resolver,
		httpClient: httpClient,
		json:       json,
		jcs:        jcsAdapter,
		timeout:    timeout,
	}
}

func (f *fetcher) Fetch(ctx context.Context, contractAddress string, tokenNumber string) (*TokenMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	metadataURI, err := f.ethClient.ERC721TokenURI(ctx, contractAddress, tokenNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata URI: %w", err)
	}
	if metadataURI == "" {
		return nil, fmt.Errorf("empty metadata URI for token %s:%s", contractAddress, tokenNumber)
	}

	raw, err := f.fetchDocument(ctx, metadataURI)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata from URI %s: %w", metadataURI, err)
	}

	metadata := normalizeOpenSeaMetadataStandard(raw)
	metadata.URI = metadataURI

	hash, err := f.rawHash(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to hash metadata: %w", err)
	}
	metadata.Hash = hash

	return metadata, nil
}

// fetchDocument fetches the metadata document from a given URI,
// handling data URIs inline and resolving decentralized URIs to gateways
func (f *fetcher) fetchDocument(ctx context.Context, metadataURI string) (map[string]interface{}, error) {
	if strings.HasPrefix(metadataURI, "data:") {
		return f.parseDataURI(metadataURI)
	}

	resolvedURL, err := f.resolver.Resolve(ctx, metadataURI)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve URI: %w", err)
	}

	var metadata map[string]interface{}
	if err := f.httpClient.Get(ctx, resolvedURL, &metadata); err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}

	return metadata, nil
}

// parseDataURI parses a data URI and returns the metadata
func (f *fetcher) parseDataURI(metadataURI string) (map[string]interface{}, error) {
	// data:application/json;base64,<encoded data>
	// or data:application/json,<json data>
	parts := strings.SplitN(metadataURI[5:], ",", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid data URI format")
	}

	dataType := parts[0]
	data := parts[1]

	if strings.Contains(dataType, "base64") {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64: %w", err)
		}
		data = string(decoded)
	}

	var metadata map[string]interface{}
	if err := f.json.Unmarshal([]byte(data), &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return metadata, nil
}

// rawHash computes the hex digest of the canonicalized raw metadata
func (f *fetcher) rawHash(raw map[string]interface{}) (string, error) {
	metadataJSON, err := f.json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	canonicalized, err := f.jcs.Transform(metadataJSON)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize metadata: %w", err)
	}

	hash := sha256.Sum256(canonicalized)
	return hex.EncodeToString(hash[:]), nil
}

// normalizeOpenSeaMetadataStandard normalizes the metadata follow the OpenSea metadata standard
// https://docs.opensea.io/docs/metadata-standards
func normalizeOpenSeaMetadataStandard(metadata map[string]interface{}) *TokenMetadata {
	var image string
	var animationURL string
	var name string
	if i, ok := metadata["image"].(string); ok {
		image = i
	}
	if a, ok := metadata["animation_url"].(string); ok {
		animationURL = a
	}
	if n, ok := metadata["name"].(string); ok {
		name = n
	}

	// ArtBlocks uses generator_url for animation URL
	if g, ok := metadata["generator_url"].(string); ok {
		animationURL = g
	}

	return &TokenMetadata{
		Raw:       metadata,
		Image:     uriToGateway(image),
		Animation: uriToGateway(animationURL),
		Name:      name,
	}
}

// uriToGateway converts a URI to a gateway URL
func uriToGateway(u string) string {
	if after, ok := strings.CutPrefix(u, "ipfs://"); ok {
		return fmt.Sprintf("%s/ipfs/%s", domain.DEFAULT_IPFS_GATEWAY, after)
	}
	if after, ok := strings.CutPrefix(u, "ar://"); ok {
		return fmt.Sprintf("%s/%s", domain.DEFAULT_ARWEAVE_GATEWAY, after)
	}
	return u
}
