package tlsutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFingerprint(t *testing.T) {
	assert.Equal(t, "abcdef01", NormalizeFingerprint(" AB:CD:EF:01 "))
}

func TestPinnedTLSConfig_RejectsMalformed(t *testing.T) {
	_, err := PinnedTLSConfig("abcd")
	assert.Error(t, err)
	_, err = PinnedTLSConfig(strings.Repeat("zz", 32))
	assert.Error(t, err)
}

func TestNewPinnedHTTPClient(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "pinned")
	}))
	defer server.Close()

	pin := CertFingerprint(server.Certificate().Raw)

	client, err := NewPinnedHTTPClient(NewCachedDialer(), 5*time.Second, strings.ToUpper(pin))
	require.NoError(t, err)
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "pinned", string(body))

	wrong, err := NewPinnedHTTPClient(NewCachedDialer(), 5*time.Second, strings.Repeat("00", 32))
	require.NoError(t, err)
	_, err = wrong.Get(server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fingerprint mismatch")

	// Without a pin the self-signed test certificate fails CA verification.
	plain, err := NewPinnedHTTPClient(NewCachedDialer(), 5*time.Second, "")
	require.NoError(t, err)
	_, err = plain.Get(server.URL)
	assert.Error(t, err)
}
