package persistence

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// maxSubdomainLength keeps "tenant_" + subdomain inside the 63 byte identifier limit.
const maxSubdomainLength = 56

var (
	subdomainPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	subdomainToken   = regexp.MustCompile(`^[a-z0-9-]+$`)
)

// NormalizeSubdomain trims whitespace, lowercases the value, and ensures it matches
// the canonical subdomain pattern accepted at signup.
func NormalizeSubdomain(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", errors.New("subdomain is required")
	}

	normalized := strings.ToLower(trimmed)
	if len(normalized) > maxSubdomainLength {
		return "", fmt.Errorf("invalid subdomain %q: must be at most %d characters", input, maxSubdomainLength)
	}
	if !subdomainPattern.MatchString(normalized) {
		return "", fmt.Errorf("invalid subdomain %q: must match ^[a-z0-9]+(?:-[a-z0-9]+)*$", input)
	}

	return normalized, nil
}

// BareSubdomain reduces a login domain such as "Acme.erp.test" to its first label.
// The boolean is false when the label is empty or carries characters outside [a-z0-9-].
func BareSubdomain(domain string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(domain))
	if i := strings.IndexByte(normalized, '.'); i >= 0 {
		normalized = normalized[:i]
	}
	if !subdomainToken.MatchString(normalized) {
		return "", false
	}
	return normalized, true
}

// DatabaseNameForSubdomain derives the tenant database name for a normalized subdomain.
func DatabaseNameForSubdomain(subdomain string) (string, error) {
	normalized, err := NormalizeSubdomain(subdomain)
	if err != nil {
		return "", err
	}

	name := "tenant_" + strings.ReplaceAll(normalized, "-", "_")
	if err := ValidateDatabaseName(name); err != nil {
		return "", err
	}
	return name, nil
}
