// Package tls builds the server-side TLS configuration for the stackup API,
// including optional self-signed certificate generation for development.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/stackup/internal/config"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Setup builds a *tls.Config from the [server] block. It returns (nil, nil)
// when TLS is not enabled.
func Setup(server config.ServerConfig) (*tls.Config, error) {
	if server.TLS == nil || !server.TLS.Enabled {
		return nil, nil
	}

	minVer, maxVer := resolveVersions(server)

	if server.TLS.CertFile != "" && server.TLS.KeyFile != "" {
		return newConfig(server.TLS.CertFile, server.TLS.KeyFile, minVer, maxVer), nil
	}

	if server.TLS.Dir != "" {
		certPath := filepath.Join(server.TLS.Dir, tlsCrt)
		keyPath := filepath.Join(server.TLS.Dir, tlsKey)
		if server.TLS.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(server.TLS); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		return newConfig(certPath, keyPath, minVer, maxVer), nil
	}

	return nil, errors.New("TLS enabled but no certificate configuration found")
}

func parseVersion(ver string) (uint16, bool) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// resolveVersions defaults both bounds to TLS 1.3.
func resolveVersions(cfg config.ServerConfig) (minVer, maxVer uint16) {
	minVer = tls.VersionTLS13
	maxVer = tls.VersionTLS13
	if v, ok := parseVersion(cfg.TLSMinVersion); ok {
		minVer = v
	}
	if v, ok := parseVersion(cfg.TLSMaxVersion); ok {
		maxVer = v
	}
	return
}

// newConfig loads the key pair lazily per handshake so rotated certificates
// are picked up without a restart.
func newConfig(certPath, keyPath string, minVer, maxVer uint16) *tls.Config {
	baseDir := filepath.Dir(certPath)
	// #nosec G402 min version is caller-controlled, never below 1.2
	return &tls.Config{
		MinVersion: minVer,
		MaxVersion: maxVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			certPEM, err := safeReadFile(baseDir, certPath)
			if err != nil {
				return nil, err
			}
			keyPEM, err := safeReadFile(baseDir, keyPath)
			if err != nil {
				return nil, err
			}
			cert, err := tls.X509KeyPair(certPEM, keyPEM)
			return &cert, err
		},
	}
}

// safeReadFile refuses paths that escape the certificate directory.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of certificate directory")
		}
	}
	return os.ReadFile(clean)
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(tc *config.TLSConfig) error {
	if err := os.MkdirAll(tc.Dir, 0o755); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}

	gen := tc.AutoGen
	if gen == nil {
		gen = &config.AutoGenTLS{}
	}
	commonName := orDefault(gen.CommonName, "localhost")
	organization := orDefault(gen.Organization, "stackup")
	dnsNames := gen.DNSNames
	if len(dnsNames) == 0 {
		dnsNames = []string{"localhost"}
	}
	ipAddresses := gen.IPAddresses
	if len(ipAddresses) == 0 {
		ipAddresses = []string{"127.0.0.1"}
	}
	validDays := gen.ValidDays
	if validDays <= 0 {
		validDays = 365
	}

	return GenerateSelfSignedCert(CertConfig{
		CommonName:   commonName,
		Organization: organization,
		DNSNames:     dnsNames,
		IPAddresses:  ipAddresses,
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(tc.Dir, tlsCrt),
		KeyPath:      filepath.Join(tc.Dir, tlsKey),
		CACertPath:   filepath.Join(tc.Dir, tlsCaCrt),
	})
}

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
