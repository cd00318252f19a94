package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_AllowsPublicHTTPTargets(t *testing.T) {
	v := NewURLValidator()

	for _, rawURL := range []string{
		"https://api.example.com/v1/orders",
		"http://erp.example.com:8443/export?batch=7",
	} {
		assert.NoError(t, v.Validate(rawURL), rawURL)
	}
}

func TestValidate_RejectsSchemes(t *testing.T) {
	v := NewURLValidator()

	for _, rawURL := range []string{
		"ftp://example.com/data",
		"file:///etc/passwd",
		"gopher://example.com",
		"example.com/no-scheme",
	} {
		assert.Error(t, v.Validate(rawURL), rawURL)
	}
}

func TestValidate_RejectsLoopbackAndPrivateHosts(t *testing.T) {
	v := NewURLValidator()

	for _, rawURL := range []string{
		"http://localhost/admin",
		"http://127.0.0.1:6379/",
		"http://[::1]/",
		"http://0.0.0.0/",
		"http://10.0.0.5/internal",
		"http://192.168.1.1/router",
		"http://172.16.3.4/",
		"http://169.254.169.254/latest/meta-data/",
	} {
		assert.Error(t, v.Validate(rawURL), rawURL)
	}
}

func TestValidate_RejectsTraversalPaths(t *testing.T) {
	v := NewURLValidator()

	for _, rawURL := range []string{
		"https://example.com/../../etc/passwd",
		"https://example.com/files/..%2f..%2fsecrets",
		"https://example.com/%2e%2e%2fconfig",
		"https://example.com/proc/self/environ",
	} {
		assert.Error(t, v.Validate(rawURL), rawURL)
	}
}

func TestValidate_ScreensQueryParameters(t *testing.T) {
	v := NewURLValidator()

	err := v.Validate("https://example.com/fetch?path=../../etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path")
}

func TestValidate_MalformedURL(t *testing.T) {
	v := NewURLValidator()
	assert.Error(t, v.Validate("http://exa mple.com/%zz"))
}
