package models

import "strings"

// DefaultMarketplaceID is used when a marketplace is unknown
const DefaultMarketplaceID = "US"

var marketplaceBaseURLs = map[string]string{
	"US": "https://www.amazon.com",
	"CA": "https://www.amazon.ca",
	"MX": "https://www.amazon.com.mx",
	"BR": "https://www.amazon.com.br",
	"UK": "https://www.amazon.co.uk",
	"DE": "https://www.amazon.de",
	"FR": "https://www.amazon.fr",
	"IT": "https://www.amazon.it",
	"ES": "https://www.amazon.es",
	"NL": "https://www.amazon.nl",
	"SE": "https://www.amazon.se",
	"PL": "https://www.amazon.pl",
	"JP": "https://www.amazon.co.jp",
	"IN": "https://www.amazon.in",
	"AU": "https://www.amazon.com.au",
}

// MarketplaceBaseURL returns the base URL for a marketplace, falling back to the default marketplace
func MarketplaceBaseURL(marketplaceID string) string {
	if u, ok := marketplaceBaseURLs[strings.ToUpper(strings.TrimSpace(marketplaceID))]; ok {
		return u
	}
	return marketplaceBaseURLs[DefaultMarketplaceID]
}

// IsKnownMarketplace reports whether the marketplace has an explicit base URL
func IsKnownMarketplace(marketplaceID string) bool {
	_, ok := marketplaceBaseURLs[strings.ToUpper(strings.TrimSpace(marketplaceID))]
	return ok
}
