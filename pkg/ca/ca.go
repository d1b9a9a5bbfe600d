// Package ca manages the TLS identity of the Gemini listener.
//
// Responsibilities:
//   - Parse a DN (flexible formats) into pkix.Name
//   - Load a certificate and key from a combined PEM or separate files
//   - Generate a self-signed certificate for the gateway hostname and cache it on disk
//   - Build the tls.Config used by the listener (client certificates requested, never required)
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Identity is the certificate and private key presented to Gemini clients.
type Identity struct {
	Cert    *x509.Certificate
	Priv    crypto.PrivateKey
	KeyPair tls.Certificate
	pem     []byte
}

// PEM returns the PEM-encoded certificate only, suitable for publishing.
func (i *Identity) PEM() []byte {
	if i == nil || i.Cert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.Cert.Raw})
}

// Fingerprint returns the SHA-256 fingerprint clients pin under TOFU.
func (i *Identity) Fingerprint() string {
	if i == nil || i.Cert == nil {
		return ""
	}
	return fingerprint(i.Cert.Raw)
}

// CheckPEMHasCertAndKey checks combined PEM bytes contains at least one CERTIFICATE and one PRIVATE KEY block.
func CheckPEMHasCertAndKey(pemBytes []byte) (hasCert bool, hasKey bool) {
	remain := pemBytes
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			hasCert = true
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			hasKey = true
		}
	}
	return
}

// LoadCombined parses a combined PEM (certificate + private key).
func LoadCombined(pemBytes []byte) (*Identity, error) {
	hasCert, hasKey := CheckPEMHasCertAndKey(pemBytes)
	if !hasCert || !hasKey {
		return nil, errors.New("combined PEM missing certificate or private key")
	}
	pair, err := tls.X509KeyPair(pemBytes, pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse key pair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	pair.Leaf = cert
	return &Identity{Cert: cert, Priv: pair.PrivateKey, KeyPair: pair, pem: pemBytes}, nil
}

// LoadFiles loads an identity from separate certificate and key files.
func LoadFiles(certPath, keyPath string) (*Identity, error) {
	cb, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read cert: %w", err)
	}
	kb, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	combined := append(append([]byte{}, cb...), kb...)
	return LoadCombined(combined)
}

// Save writes the combined PEM to disk atomically.
func (i *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, i.pem, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ParseDN parses a flexible DN string into pkix.Name.
// Supported formats:
//   - plain string without '=' -> treated as CommonName
//   - slash-style:  "/C=US/ST=.../O=Org/CN=Name"
//   - comma/semicolon style: "CN=Name,O=Org,C=US"
func ParseDN(s string) (pkix.Name, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pkix.Name{}, errors.New("empty dn")
	}
	if !strings.Contains(s, "=") {
		return pkix.Name{CommonName: s}, nil
	}
	name := pkix.Name{}
	for _, p := range splitDN(s) {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		v := strings.TrimSpace(kv[1])
		switch strings.ToUpper(strings.TrimSpace(kv[0])) {
		case "CN":
			name.CommonName = v
		case "O":
			name.Organization = append(name.Organization, v)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, v)
		case "L":
			name.Locality = append(name.Locality, v)
		case "ST", "S":
			name.Province = append(name.Province, v)
		case "C":
			name.Country = append(name.Country, v)
		}
	}
	if name.CommonName == "" {
		return name, errors.New("dn must include CN")
	}
	return name, nil
}

func splitDN(s string) []string {
	if strings.HasPrefix(s, "/") {
		return strings.Split(strings.TrimPrefix(s, "/"), "/")
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';'
	})
}

// GenerateSelfSigned creates an ECDSA P-256 self-signed certificate valid for
// hostname. Gemini clients pin it on first use, so the validity is long.
func GenerateSelfSigned(name pkix.Name, hostname string, validity time.Duration) (*Identity, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	if name.CommonName == "" {
		name.CommonName = hostname
	}
	if validity <= 0 {
		validity = 5 * 365 * 24 * time.Hour
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	hostOnly := hostname
	if h, _, err := net.SplitHostPort(hostOnly); err == nil {
		hostOnly = h
	}
	if ip := net.ParseIP(hostOnly); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostOnly}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	combined := append(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})...)
	return LoadCombined(combined)
}

// LoadOrGenerate returns the identity cached under <dir>/certs/<hostname>.pem,
// generating and persisting a new one when missing or unreadable.
func LoadOrGenerate(dir, hostname string, name pkix.Name) (*Identity, error) {
	if dir == "" {
		dir = "./cache"
	}
	path := filepath.Join(dir, "certs", strings.ReplaceAll(hostname, ":", "_")+".pem")
	if b, err := os.ReadFile(path); err == nil {
		if id, err := LoadCombined(b); err == nil && time.Now().Before(id.Cert.NotAfter) {
			return id, nil
		}
	}
	id, err := GenerateSelfSigned(name, hostname, 0)
	if err != nil {
		return nil, err
	}
	// on failure, still proceed with the in-memory identity
	_ = id.Save(path)
	return id, nil
}

// TLSConfig returns the listener configuration. Client certificates are
// requested so handlers can see them, but never verified against a CA.
func (i *Identity) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{i.KeyPair},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.RequestClientCert,
	}
}
