package enums

import "fmt"

// ListingStatus describes the allowed values for the `status` column in listings.
type ListingStatus string

const (
	ListingStatusAvailable ListingStatus = "available"
	ListingStatusPending   ListingStatus = "pending"
	ListingStatusSold      ListingStatus = "sold"
)

var validListingStatuses = []ListingStatus{
	ListingStatusAvailable,
	ListingStatusPending,
	ListingStatusSold,
}

// IsValid reports whether the value matches the canonical listing status enum.
func (l ListingStatus) IsValid() bool {
	for _, candidate := range validListingStatuses {
		if candidate == l {
			return true
		}
	}
	return false
}

// ParseListingStatus converts the raw string to ListingStatus.
func ParseListingStatus(value string) (ListingStatus, error) {
	for _, candidate := range validListingStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid listing status %q", value)
}
