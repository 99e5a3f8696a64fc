package tlsconf

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
)

// selfSignedPEM generates a throwaway self-signed cert/key pair usable as
// both end-entity certificate and CA, standing in for PKI material
// supplied out of band.
func selfSignedPEM(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

func TestBuildConfigFromBuffersSetsSecurityDefaults(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)
	opt := Options{
		CA:       Material{Src: SourceBuffer, Buffer: certPEM},
		Cert:     Material{Src: SourceBuffer, Buffer: certPEM},
		Key:      Material{Src: SourceBuffer, Buffer: keyPEM},
		IsServer: true,
	}
	cfg, err := BuildConfig(opt)
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.True(t, cfg.SessionTicketsDisabled)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	require.Len(t, cfg.CipherSuites, 1)
	assert.Equal(t, cipherSuiteByName[DefaultCipherSuite], cfg.CipherSuites[0])
}

func TestBuildConfigClientModeUsesRootCAs(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)
	cfg, err := BuildConfig(Options{
		CA:       Material{Src: SourceBuffer, Buffer: certPEM},
		Cert:     Material{Src: SourceBuffer, Buffer: certPEM},
		Key:      Material{Src: SourceBuffer, Buffer: keyPEM},
		IsServer: false,
	})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Nil(t, cfg.ClientCAs)
}

func TestBuildConfigUnknownCipherSuite(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)
	_, err := BuildConfig(Options{
		CA:          Material{Src: SourceBuffer, Buffer: certPEM},
		Cert:        Material{Src: SourceBuffer, Buffer: certPEM},
		Key:         Material{Src: SourceBuffer, Buffer: keyPEM},
		CipherSuite: "RC4-MD5",
	})
	require.Error(t, err)
	assert.Equal(t, sferr.CodeProtocolNotSupported, sferr.GetCode(err))
}

func TestBuildConfigInvalidCAPEM(t *testing.T) {
	_, keyPEM := selfSignedPEM(t)
	_, err := BuildConfig(Options{
		CA:   Material{Src: SourceBuffer, Buffer: []byte("not a cert")},
		Cert: Material{Src: SourceBuffer, Buffer: []byte("not a cert")},
		Key:  Material{Src: SourceBuffer, Buffer: keyPEM},
	})
	require.Error(t, err)
	assert.Equal(t, sferr.CodeProtocolNotSupported, sferr.GetCode(err))
}

func TestBuildConfigFileSourceUsesInjectedReadFile(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)
	reads := map[string][]byte{
		"/ca.pem":   certPEM,
		"/cert.pem": certPEM,
		"/key.pem":  keyPEM,
	}
	readFile := func(path string) ([]byte, error) {
		b, ok := reads[path]
		if !ok {
			return nil, errors.New("no such file")
		}
		return b, nil
	}
	cfg, err := BuildConfig(Options{
		CA:       Material{Src: SourceFile, Path: "/ca.pem"},
		Cert:     Material{Src: SourceFile, Path: "/cert.pem"},
		Key:      Material{Src: SourceFile, Path: "/key.pem"},
		ReadFile: readFile,
	})
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestBuildConfigFileSourceMissingFileFails(t *testing.T) {
	_, keyPEM := selfSignedPEM(t)
	readFile := func(path string) ([]byte, error) { return nil, errors.New("ENOENT") }
	_, err := BuildConfig(Options{
		CA:       Material{Src: SourceFile, Path: "/missing.pem"},
		Cert:     Material{Src: SourceBuffer},
		Key:      Material{Src: SourceBuffer, Buffer: keyPEM},
		ReadFile: readFile,
	})
	require.Error(t, err)
	assert.Equal(t, sferr.CodeAddressNotAvailable, sferr.GetCode(err))
}

func TestMutualTLSHandshakeSucceeds(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)
	serverCfg, err := BuildConfig(Options{
		CA:         Material{Src: SourceBuffer, Buffer: certPEM},
		Cert:       Material{Src: SourceBuffer, Buffer: certPEM},
		Key:        Material{Src: SourceBuffer, Buffer: keyPEM},
		IsServer:   true,
		ServerName: "localhost",
	})
	require.NoError(t, err)
	clientCfg, err := BuildConfig(Options{
		CA:         Material{Src: SourceBuffer, Buffer: certPEM},
		Cert:       Material{Src: SourceBuffer, Buffer: certPEM},
		Key:        Material{Src: SourceBuffer, Buffer: keyPEM},
		ServerName: "localhost",
	})
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverErrCh := make(chan error, 1)
	go func() {
		srv := tls.Server(serverConn, serverCfg)
		serverErrCh <- srv.Handshake()
	}()

	cli := tls.Client(clientConn, clientCfg)
	require.NoError(t, cli.Handshake())
	require.NoError(t, <-serverErrCh)
	assert.Equal(t, uint16(tls.VersionTLS12), cli.ConnectionState().Version)
}
