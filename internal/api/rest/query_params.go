package rest

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/mosaicart/market-mirror/internal/domain"
)

const MAX_PAGE_SIZE = 100

// ListAssetsQueryParams holds query parameters for GET /assets
type ListAssetsQueryParams struct {
	Owner  string `form:"owner"`
	Limit  int    `form:"limit,default=20"`
	Offset uint64 `form:"offset,default=0"`
}

// Validate checks the parsed parameters
func (p *ListAssetsQueryParams) Validate() error {
	if p.Owner == "" {
		return errors.New("owner is required")
	}
	return nil
}

// ParseListAssetsQuery parses query parameters for GET /assets
func ParseListAssetsQuery(c *gin.Context) (*ListAssetsQueryParams, error) {
	var params ListAssetsQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, err
	}

	params.Owner = domain.NormalizeAddress(params.Owner)

	// Cap limit
	if params.Limit > MAX_PAGE_SIZE {
		params.Limit = MAX_PAGE_SIZE
	}
	if params.Limit <= 0 {
		params.Limit = 20
	}

	return &params, nil
}

// ListListingsQueryParams holds query parameters for GET /listings
type ListListingsQueryParams struct {
	Status string `form:"status,default=active"`
	Limit  int    `form:"limit,default=20"`
	Offset uint64 `form:"offset,default=0"`
}

// Validate checks the parsed parameters
func (p *ListListingsQueryParams) Validate() error {
	switch domain.ListingStatus(p.Status) {
	case domain.ListingStatusActive, domain.ListingStatusSold, domain.ListingStatusCancelled:
		return nil
	default:
		return errors.New("status must be one of: active, sold, cancelled")
	}
}

// ParseListListingsQuery parses query parameters for GET /listings
func ParseListListingsQuery(c *gin.Context) (*ListListingsQueryParams, error) {
	var params ListListingsQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, err
	}

	// Cap limit
	if params.Limit > MAX_PAGE_SIZE {
		params.Limit = MAX_PAGE_SIZE
	}
	if params.Limit <= 0 {
		params.Limit = 20
	}

	return &params, nil
}
