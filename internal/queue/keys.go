package queue

import (
	"regexp"
	"strings"

	"github.com/ternarybob/qaharvest/internal/models"
)

// keyPattern matches marketplace item identifiers after upper-casing
var keyPattern = regexp.MustCompile(`^[A-Z0-9]{10,12}$`)

// NormalizeKey trims and upper-cases key and reports whether it is well formed
func NormalizeKey(key string) (string, bool) {
	k := strings.ToUpper(strings.TrimSpace(key))
	return k, keyPattern.MatchString(k)
}

// NormalizeMarketplace upper-cases the marketplace ID; empty selects the default
func NormalizeMarketplace(marketplaceID string) string {
	m := strings.ToUpper(strings.TrimSpace(marketplaceID))
	if m == "" {
		return models.DefaultMarketplaceID
	}
	return m
}
