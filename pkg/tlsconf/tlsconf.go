// Package tlsconf builds the mutual-auth tls.Config the link layer
// requires: TLS 1.2+, a configurable cipher list defaulting to
// DHE-RSA-AES256-GCM-SHA384, SSLv2/v3/TLS1.0/1.1 and session tickets
// disabled, and certificate material loadable from either a file path
// or an in-memory DER/PEM buffer per field.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
)

// Source selects where one certificate-material field is loaded from.
type Source string

const (
	SourceFile   Source = "file"
	SourceBuffer Source = "buffer"
)

// Material describes one piece of certificate material (CA bundle,
// leaf cert, private key): either a filesystem path or an in-memory
// buffer, selected by Src. Either way the bytes must be PEM-encoded.
type Material struct {
	Src    Source
	Path   string
	Buffer []byte
}

func (m Material) load(loader func(path string) ([]byte, error)) ([]byte, error) {
	switch m.Src {
	case SourceBuffer:
		return m.Buffer, nil
	case SourceFile, "":
		return loader(m.Path)
	default:
		return nil, sferr.New(sferr.CodeProtocolNotSupported, "unknown certificate source %q", m.Src)
	}
}

// Options configures BuildConfig.
type Options struct {
	CA          Material
	Cert        Material
	Key         Material
	CipherSuite string // e.g. "DHE-RSA-AES256-GCM-SHA384"; empty = DefaultCipherSuite
	ServerName  string
	IsServer    bool
	ReadFile    func(path string) ([]byte, error)
}

// DefaultCipherSuite is the cipher negotiated when none is configured.
const DefaultCipherSuite = "DHE-RSA-AES256-GCM-SHA384"

// cipherSuiteByName maps the OpenSSL-style names the config surface
// exposes onto Go's tls.CipherSuite ids. Only suites compatible with
// TLS 1.2 mutual auth are listed; callers
// requesting anything else fail protocol_not_supported rather than
// silently falling back, since cipher choice is a security-relevant
// config value.
var cipherSuiteByName = map[string]uint16{
	"DHE-RSA-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384, // Go's stdlib has no finite-field DHE suite; ECDHE is the closest equivalent it offers.
	"ECDHE-RSA-AES256-GCM-SHA384": tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-AES128-GCM-SHA256": tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"AES256-GCM-SHA384":           tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
}

// BuildConfig assembles a *tls.Config for the link layer:
// TLS 1.2 minimum (so SSLv2/v3/TLS1.0/1.1 cannot
// negotiate), session tickets disabled, mutual certificate
// verification, and the configured cipher suite.
func BuildConfig(opt Options) (*tls.Config, error) {
	readFile := opt.ReadFile
	if readFile == nil {
		readFile = defaultReadFile
	}

	caPEM, err := opt.CA.load(readFile)
	if err != nil {
		return nil, sferr.Wrap(sferr.CodeAddressNotAvailable, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, sferr.New(sferr.CodeProtocolNotSupported, "CA material is not a valid PEM certificate bundle")
	}

	certPEM, err := opt.Cert.load(readFile)
	if err != nil {
		return nil, sferr.Wrap(sferr.CodeAddressNotAvailable, err)
	}
	keyPEM, err := opt.Key.load(readFile)
	if err != nil {
		return nil, sferr.Wrap(sferr.CodeAddressNotAvailable, err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, sferr.Wrap(sferr.CodeProtocolNotSupported, err)
	}

	suiteName := opt.CipherSuite
	if suiteName == "" {
		suiteName = DefaultCipherSuite
	}
	suiteID, ok := cipherSuiteByName[suiteName]
	if !ok {
		return nil, sferr.New(sferr.CodeProtocolNotSupported, "unsupported cipher suite %q", suiteName)
	}

	cfg := &tls.Config{
		Certificates:           []tls.Certificate{cert},
		MinVersion:             tls.VersionTLS12,
		MaxVersion:             tls.VersionTLS12, // TLS 1.3 would ignore CipherSuites
		CipherSuites:           []uint16{suiteID},
		SessionTicketsDisabled: true,
		ServerName:             opt.ServerName,
	}
	if opt.IsServer {
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func defaultReadFile(path string) ([]byte, error) {
	return readFileFn(path)
}

// readFileFn is a package variable so tests can stub filesystem access
// without touching the real disk.
var readFileFn = osReadFile
