package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/tlsconf"
)

func TestLoadDecodesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"host": "example.com",
		"port": 8011,
		"tls": {"ca_src": "file", "ca_path": "/ca.pem", "cert_src": "buffer", "cert_buffer": "PEM", "key_src": "file", "key_path": "/key.pem", "cipher_suite": "AES256-GCM-SHA384"},
		"bounce_file": "/bounce.txt",
		"max_payload": 1048576
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "example.com", cfg.Host)
	assert.Equal(t, 8011, cfg.Port)
	assert.Equal(t, "/bounce.txt", cfg.BounceFile)
	assert.Equal(t, 1048576, cfg.MaxPayload)
	assert.Equal(t, "AES256-GCM-SHA384", cfg.TLS.Cipher)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/no/such/config.json")
	require.Error(t, err)
	assert.Equal(t, sferr.CodeAddressNotAvailable, sferr.GetCode(err))
}

func TestLoadMalformedJSONFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, sferr.CodeProtocolNotSupported, sferr.GetCode(err))
}

func TestTLSConfigToOptionsFileSource(t *testing.T) {
	c := TLSConfig{CASrc: "file", CAPath: "/ca.pem", CertSrc: "", CertPath: "/cert.pem", KeySrc: "file", KeyPath: "/key.pem"}
	opt := c.ToOptions()
	assert.Equal(t, tlsconf.SourceFile, opt.CA.Src)
	assert.Equal(t, "/ca.pem", opt.CA.Path)
	assert.Equal(t, tlsconf.SourceFile, opt.Cert.Src, "empty src defaults to file")
}

func TestTLSConfigToOptionsBufferSource(t *testing.T) {
	c := TLSConfig{CASrc: "buffer", CABuffer: "ca-bytes", CertSrc: "buffer", CertBuffer: "cert-bytes", KeySrc: "buffer", KeyBuffer: "key-bytes"}
	opt := c.ToOptions()
	assert.Equal(t, []byte("ca-bytes"), opt.CA.Buffer)
	assert.Equal(t, []byte("cert-bytes"), opt.Cert.Buffer)
	assert.Equal(t, []byte("key-bytes"), opt.Key.Buffer)
}

func TestParseBounceFileEmptyPathYieldsEmptyList(t *testing.T) {
	list, err := ParseBounceFile("")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestParseBounceFileParsesHostPortLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bounce.txt")
	require.NoError(t, os.WriteFile(path, []byte("relay1.example:443\n\nrelay2.example:8000\n"), 0o644))

	list, err := ParseBounceFile(path)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, BounceHop{Addr: "relay1.example", Port: "443"}, list[0])
	assert.Equal(t, BounceHop{Addr: "relay2.example", Port: "8000"}, list[1])
}

func TestParseBounceFileLineWithoutColon(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bounce.txt")
	require.NoError(t, os.WriteFile(path, []byte("malformed-line\n"), 0o644))

	list, err := ParseBounceFile(path)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, BounceHop{}, list[0])
}

func TestParseBounceFileMissingFileFails(t *testing.T) {
	_, err := ParseBounceFile("/no/such/bounce.txt")
	require.Error(t, err)
	assert.Equal(t, sferr.CodeAddressNotAvailable, sferr.GetCode(err))
}
