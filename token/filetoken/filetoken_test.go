package filetoken

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachetsign/cachet/config"
)

func testConfig(keyPath string) *config.Config {
	conf := &config.Config{
		Tokens: map[string]*config.TokenConfig{
			"softy": {Type: "file"},
		},
		Keys: map[string]*config.KeyConfig{
			"mykey": {Token: "softy", KeyFile: keyPath},
		},
	}
	conf.Normalize("")
	return conf
}

func TestSignWithFileKey(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "key.pem")
	blob := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(keyPath, blob, 0600))

	tok, err := Open(testConfig(keyPath), "softy", nil)
	require.NoError(t, err)
	defer tok.Close()
	key, err := tok.GetKey(context.Background(), "mykey")
	require.NoError(t, err)
	require.IsType(t, &ecdsa.PublicKey{}, key.Public())

	digest := sha256.Sum256([]byte("thanks for signing"))
	sig, err := key.SignContext(context.Background(), digest[:], crypto.SHA256)
	require.NoError(t, err)
	require.True(t, ecdsa.VerifyASN1(&priv.PublicKey, digest[:], sig))
}

func TestMissingKeyFile(t *testing.T) {
	conf := testConfig("")
	conf.Keys["mykey"].KeyFile = ""
	tok, err := Open(conf, "softy", nil)
	require.NoError(t, err)
	defer tok.Close()
	_, err = tok.GetKey(context.Background(), "mykey")
	require.ErrorContains(t, err, "KeyFile")
}
