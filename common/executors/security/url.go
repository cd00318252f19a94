package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URLValidator guards outbound HTTP targets against SSRF and file-access
// attempts: scheme allow-list, hostname/IP checks on every resolved address,
// and path pattern screening.
type URLValidator struct {
	allowedSchemes  map[string]bool
	blockedHosts    map[string]bool
	blockedPatterns []string
}

// NewURLValidator creates a validator with the default rule set
func NewURLValidator() *URLValidator {
	return &URLValidator{
		allowedSchemes: map[string]bool{
			"http":  true,
			"https": true,
		},
		blockedHosts: map[string]bool{
			"localhost":          true,
			"127.0.0.1":          true,
			"::1":                true,
			"0.0.0.0":            true,
			"::":                 true,
			"::ffff:127.0.0.1":   true,
			"[::1]":              true,
			"[::ffff:127.0.0.1]": true,
		},
		blockedPatterns: []string{
			"file://",
			"../",
			"..\\",
			"/etc/",
			"/proc/",
			"/sys/",
			"\\\\.\\pipe\\",
		},
	}
}

// Validate checks scheme, host and path of a target URL
func (v *URLValidator) Validate(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if err := v.validateScheme(parsed.Scheme); err != nil {
		return err
	}
	if err := v.validateHost(parsed.Hostname()); err != nil {
		return err
	}
	if err := v.validatePath(parsed.Path); err != nil {
		return err
	}

	// Query values get the same path screening: traversal payloads hide there
	for key, values := range parsed.Query() {
		for _, value := range values {
			if err := v.validatePath(value); err != nil {
				return fmt.Errorf("query parameter %q: %w", key, err)
			}
		}
	}
	return nil
}

func (v *URLValidator) validateScheme(scheme string) error {
	normalized := strings.ToLower(strings.TrimSpace(scheme))
	if normalized == "" {
		return fmt.Errorf("URL scheme is required")
	}
	if !v.allowedSchemes[normalized] {
		return fmt.Errorf("scheme '%s' is not allowed, only http/https", scheme)
	}
	return nil
}

func (v *URLValidator) validateHost(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("hostname is required")
	}

	normalized := strings.ToLower(strings.TrimSpace(hostname))
	if v.blockedHosts[normalized] {
		return fmt.Errorf("host '%s' is blocked", hostname)
	}

	if ip := net.ParseIP(normalized); ip != nil {
		return validateIP(ip)
	}

	// Resolution failure passes; the request itself will surface it
	ips, err := net.LookupIP(hostname)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if err := validateIP(ip); err != nil {
			return fmt.Errorf("host '%s' resolves to a blocked address: %w", hostname, err)
		}
	}
	return nil
}

// validateIP blocks loopback, private, link-local, multicast and
// unspecified addresses
func validateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("IP %s is a loopback address", ip)
	case ip.IsPrivate():
		return fmt.Errorf("IP %s is in a private network", ip)
	case ip.IsLinkLocalUnicast():
		return fmt.Errorf("IP %s is link-local", ip)
	case ip.IsMulticast():
		return fmt.Errorf("IP %s is multicast", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("IP %s is unspecified", ip)
	}
	return nil
}

func (v *URLValidator) validatePath(urlPath string) error {
	if urlPath == "" {
		return nil
	}
	normalized := strings.ToLower(urlPath)
	for _, pattern := range v.blockedPatterns {
		if strings.Contains(normalized, pattern) {
			return fmt.Errorf("path contains blocked pattern '%s'", pattern)
		}
	}
	// Encoded traversal variants
	for _, encoded := range []string{"%2e%2e%2f", "%2e%2e/", "..%2f", "%2e%2e%5c"} {
		if strings.Contains(normalized, encoded) {
			return fmt.Errorf("path contains encoded traversal sequence")
		}
	}
	return nil
}
