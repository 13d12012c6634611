package pagination

import (
	"fmt"
	"strconv"
)

// PaginationParams represents pagination query parameters
type PaginationParams struct {
	Page   int
	Limit  int
	Offset int
}

// Constants
const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
	MinLimit     = 1
)

// ParsePaginationParams parses pagination parameters from query string
func ParsePaginationParams(pageStr, limitStr string) (*PaginationParams, error) {
	page := 0
	limit := 0

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, fmt.Errorf("invalid page parameter: %w", err)
		}
		page = p
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		limit = l
	}

	return Normalize(page, limit), nil
}

// Normalize applies defaults and bounds to page and limit.
// A zero or negative limit means DefaultLimit; limits above MaxLimit are capped.
func Normalize(page, limit int) *PaginationParams {
	if page < DefaultPage {
		page = DefaultPage
	}
	switch {
	case limit < MinLimit:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	return &PaginationParams{
		Page:   page,
		Limit:  limit,
		Offset: CalculateOffset(page, limit),
	}
}

// CalculateOffset calculates offset from page and limit
func CalculateOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

// CalculateTotalPages calculates total pages from total count and limit
func CalculateTotalPages(total int, limit int) int {
	if limit <= 0 {
		return 0
	}
	totalPages := total / limit
	if total%limit > 0 {
		totalPages++
	}
	return totalPages
}
