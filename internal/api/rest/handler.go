package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mosaicart/market-mirror/internal/domain"
	"github.com/mosaicart/market-mirror/internal/store"
)

// Handler defines the interface for REST API handlers
//
//go:generate mockgen -source=handler.go -destination=../../mocks/api_handler.go -package=mocks -mock_names=Handler=MockAPIHandler
type Handler interface {
	// GetAsset retrieves a single asset by its natural key
	// GET /api/v1/assets/:contract_address/:token_number
	GetAsset(c *gin.Context)

	// ListAssets retrieves assets owned by an address
	// GET /api/v1/assets?owner=<address>&limit=<limit>&offset=<offset>
	ListAssets(c *gin.Context)

	// GetListing retrieves a single listing by its natural key
	// GET /api/v1/listings/:contract_address/:listing_id
	GetListing(c *gin.Context)

	// ListListings retrieves listings filtered by status
	// GET /api/v1/listings?status=<status>&limit=<limit>&offset=<offset>
	ListListings(c *gin.Context)

	// GetBlockCursor retrieves the last processed block for a chain (requires authentication)
	// GET /api/v1/cursors/:chain
	GetBlockCursor(c *gin.Context)

	// HealthCheck returns the health status of the API
	// GET /health
	HealthCheck(c *gin.Context)
}

// handler implements the Handler interface
type handler struct {
	store store.Store
}

// NewHandler creates a new REST API handler
func NewHandler(s store.Store) Handler {
	return &handler{
		store: s,
	}
}

// GetAsset retrieves a single asset by its natural key
func (h *handler) GetAsset(c *gin.Context) {
	contractAddress := c.Param("contract_address")
	tokenNumber := c.Param("token_number")

	if !domain.IsValidAddress(contractAddress) {
		respondBadRequest(c, "Invalid contract address")
		return
	}
	if tokenNumber == "" {
		respondBadRequest(c, "Token number is required")
		return
	}

	asset, err := h.store.GetAsset(c.Request.Context(), domain.NormalizeAddress(contractAddress), tokenNumber)
	if err != nil {
		respondInternalError(c, err, "Failed to get asset")
		return
	}

	if asset == nil {
		respondNotFound(c, "Asset not found")
		return
	}

	dto, err := mapAsset(asset)
	if err != nil {
		respondInternalError(c, err, "Failed to map asset")
		return
	}

	c.JSON(http.StatusOK, dto)
}

// ListAssets retrieves assets owned by an address
func (h *handler) ListAssets(c *gin.Context) {
	queryParams, err := ParseListAssetsQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	if err := queryParams.Validate(); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	assets, total, err := h.store.GetAssetsByOwner(
		c.Request.Context(),
		queryParams.Owner,
		queryParams.Limit,
		queryParams.Offset,
	)
	if err != nil {
		respondInternalError(c, err, "Failed to list assets")
		return
	}

	response := ListAssetsResponse{
		Assets: make([]AssetDTO, 0, len(assets)),
		Total:  total,
		Limit:  queryParams.Limit,
		Offset: queryParams.Offset,
	}
	for i := range assets {
		dto, err := mapAsset(&assets[i])
		if err != nil {
			respondInternalError(c, err, "Failed to map asset")
			return
		}
		response.Assets = append(response.Assets, *dto)
	}

	c.JSON(http.StatusOK, response)
}

// GetListing retrieves a single listing by its natural key
func (h *handler) GetListing(c *gin.Context) {
	contractAddress := c.Param("contract_address")
	listingID := c.Param("listing_id")

	if !domain.IsValidAddress(contractAddress) {
		respondBadRequest(c, "Invalid contract address")
		return
	}
	if listingID == "" {
		respondBadRequest(c, "Listing ID is required")
		return
	}

	listing, err := h.store.GetListing(c.Request.Context(), domain.NormalizeAddress(contractAddress), listingID)
	if err != nil {
		respondInternalError(c, err, "Failed to get listing")
		return
	}

	if listing == nil {
		respondNotFound(c, "Listing not found")
		return
	}

	c.JSON(http.StatusOK, mapListing(listing))
}

// ListListings retrieves listings filtered by status
func (h *handler) ListListings(c *gin.Context) {
	queryParams, err := ParseListListingsQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	if err := queryParams.Validate(); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	listings, total, err := h.store.GetListingsByStatus(
		c.Request.Context(),
		domain.ListingStatus(queryParams.Status),
		queryParams.Limit,
		queryParams.Offset,
	)
	if err != nil {
		respondInternalError(c, err, "Failed to list listings")
		return
	}

	response := ListListingsResponse{
		Listings: make([]ListingDTO, 0, len(listings)),
		Total:    total,
		Limit:    queryParams.Limit,
		Offset:   queryParams.Offset,
	}
	for i := range listings {
		response.Listings = append(response.Listings, mapListing(&listings[i]))
	}

	c.JSON(http.StatusOK, response)
}

// GetBlockCursor retrieves the last processed block for a chain
func (h *handler) GetBlockCursor(c *gin.Context) {
	chain := c.Param("chain")
	if !domain.IsValidChain(domain.Chain(chain)) {
		respondBadRequest(c, "Invalid chain")
		return
	}

	blockNumber, err := h.store.GetBlockCursor(c.Request.Context(), chain)
	if err != nil {
		respondInternalError(c, err, "Failed to get block cursor")
		return
	}

	c.JSON(http.StatusOK, CursorResponse{
		Chain:       chain,
		BlockNumber: blockNumber,
	})
}

// HealthCheck returns the health status of the API
func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":  "ok",
		"service": "market-mirror-api",
	})
}
