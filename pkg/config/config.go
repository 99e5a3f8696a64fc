// Package config decodes the JSON configuration file ssfd/ssfc/ssfcp
// load at startup and parses the bounce file that drives circuit
// construction.
package config

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/tlsconf"
)

// TLSConfig is the JSON shape of one endpoint's certificate material,
// mirroring tlsconf.Material's file|buffer switch per field.
type TLSConfig struct {
	CASrc     string `json:"ca_src"`
	CAPath    string `json:"ca_path,omitempty"`
	CABuffer  string `json:"ca_buffer,omitempty"`
	CertSrc   string `json:"cert_src"`
	CertPath  string `json:"cert_path,omitempty"`
	CertBuffer string `json:"cert_buffer,omitempty"`
	KeySrc    string `json:"key_src"`
	KeyPath   string `json:"key_path,omitempty"`
	KeyBuffer string `json:"key_buffer,omitempty"`
	Cipher    string `json:"cipher_suite,omitempty"`
}

// ToOptions converts the decoded JSON shape into tlsconf.Options
// material descriptors (TLS-specific fields like IsServer/ServerName
// are filled in by the caller, which knows its own role).
func (c TLSConfig) ToOptions() tlsconf.Options {
	return tlsconf.Options{
		CA:          material(c.CASrc, c.CAPath, c.CABuffer),
		Cert:        material(c.CertSrc, c.CertPath, c.CertBuffer),
		Key:         material(c.KeySrc, c.KeyPath, c.KeyBuffer),
		CipherSuite: c.Cipher,
	}
}

func material(src, path, buffer string) tlsconf.Material {
	s := tlsconf.Source(src)
	if s == "" {
		s = tlsconf.SourceFile
	}
	m := tlsconf.Material{Src: s, Path: path}
	if s == tlsconf.SourceBuffer {
		m.Buffer = []byte(buffer)
	}
	return m
}

// Config is the top-level JSON configuration document.
type Config struct {
	Host       string    `json:"host,omitempty"`
	Port       int       `json:"port,omitempty"`
	TLS        TLSConfig `json:"tls"`
	BounceFile string    `json:"bounce_file,omitempty"`
	MaxPayload int       `json:"max_payload,omitempty"`
}

// Load decodes a Config from a JSON file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, sferr.Wrap(sferr.CodeAddressNotAvailable, err)
	}
	defer f.Close()

	var c Config
	if err := json.NewDecoder(f).Decode(&c); err != nil {
		return nil, sferr.New(sferr.CodeProtocolNotSupported, "malformed config %s: %v", path, err)
	}
	return &c, nil
}

// BounceHop is one "host:port" line of a bounce file.
type BounceHop struct {
	Addr string
	Port string
}

// BounceList is the ordered set of relay hops parsed from a bounce
// file, one per non-empty line, each formatted "host:port".
type BounceList []BounceHop

// ParseBounceFile reads a bounce file. An empty path yields an empty
// list rather than an error, so callers can pass the flag value
// through unchecked.
func ParseBounceFile(path string) (BounceList, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, sferr.Wrap(sferr.CodeAddressNotAvailable, err)
	}
	defer f.Close()

	var list BounceList
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		list = append(list, parseBounceLine(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, sferr.Wrap(sferr.CodeAddressNotAvailable, err)
	}
	return list, nil
}

func parseBounceLine(line string) BounceHop {
	if idx := strings.Index(line, ":"); idx != -1 {
		return BounceHop{Addr: line[:idx], Port: line[idx+1:]}
	}
	return BounceHop{Addr: "", Port: ""}
}
