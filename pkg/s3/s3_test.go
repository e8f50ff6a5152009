package s3

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSHA256(t *testing.T) {
	got, err := encodeSHA256("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	require.NoError(t, err)
	assert.Equal(t, "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", got)

	_, err = encodeSHA256("")
	require.Error(t, err)
	_, err = encodeSHA256("zz")
	require.Error(t, err)
}

func TestNewRequiresEndpointAndCredentials(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)

	_, err = New(context.Background(), Config{Endpoint: "localhost:8333"})
	require.Error(t, err)
}

func TestPresignGetIsOffline(t *testing.T) {
	client, err := New(context.Background(), Config{
		Endpoint:       "localhost:8333",
		AccessKey:      "key",
		SecretKey:      "secret",
		DisableTLS:     true,
		ForcePathStyle: true,
	})
	require.NoError(t, err)

	raw, err := client.PresignGet(context.Background(), "logs", "logs/1/2/3.log", 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "localhost:8333", u.Host)
	assert.True(t, strings.HasPrefix(u.Path, "/logs/logs/1/2/3.log"))
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))
}

func writeCABundle(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "scripthost test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	return path
}

func TestNewWithCustomCABundle(t *testing.T) {
	t.Setenv("AWS_CA_BUNDLE", writeCABundle(t))

	client, err := New(context.Background(), Config{
		Endpoint:  "localhost:8333",
		AccessKey: "key",
		SecretKey: "secret",
	})
	require.NoError(t, err)
	assert.NotNil(t, client)
}
