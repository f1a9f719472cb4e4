package pkix

import (
	"bytes"
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	gopkix "crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

const (
	PEMTypeCertificate        = "CERTIFICATE"
	PEMTypeCertificateRequest = "CERTIFICATE REQUEST"
	PEMTypePrivateKey         = "PRIVATE KEY"
	PEMTypeX509CRL            = "X509 CRL"
)

// OIDDNQualifier is the X.520 dnQualifier attribute (2.5.4.46). Registration
// requests and certificates carry the decimal analyzer id in it.
var OIDDNQualifier = asn1.ObjectIdentifier{2, 5, 4, 46}

var ErrNoPEMData = errors.New("no PEM data")

// VerifyLeaf checks that cert chains to one of the given roots at time at (zero
// means now). Only the provided roots are trusted; the system pool is never
// consulted.
func VerifyLeaf(cert *x509.Certificate, roots []*x509.Certificate, at time.Time) error {
	if cert == nil {
		return errors.New("no certificate provided")
	}
	if len(roots) == 0 {
		return errors.New("no trusted certificate provided")
	}

	rootPool := x509.NewCertPool()
	for _, root := range roots {
		rootPool.AddCert(root)
	}

	options := x509.VerifyOptions{
		Roots:       rootPool,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		CurrentTime: at,
	}
	_, err := cert.Verify(options)
	return err
}

// ParsePrivateKey decodes the first PEM block of key as an EC, PKCS#8 or PKCS#1 key.
func ParsePrivateKey(key []byte) (crypto.Signer, error) {
	pemBlock, _ := pem.Decode(key)
	if pemBlock == nil {
		return nil, fmt.Errorf("invalid private key: %w", ErrNoPEMData)
	}

	if ecPrivateKey, err := x509.ParseECPrivateKey(pemBlock.Bytes); err == nil {
		return ecPrivateKey, nil
	}

	privKey, pkcs8Err := x509.ParsePKCS8PrivateKey(pemBlock.Bytes)
	if pkcs8Err == nil {
		signer, ok := privKey.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", privKey)
		}
		return signer, nil
	}

	// Fallback to PKCS1
	if rsaKey, err := x509.ParsePKCS1PrivateKey(pemBlock.Bytes); err == nil {
		return rsaKey, nil
	}

	return nil, pkcs8Err
}

func MarshalPrivateKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: PEMTypePrivateKey, Bytes: der}), nil
}

// ParseCertificates decodes every CERTIFICATE block of a multi-certificate PEM file
// in file order. Blocks of other types are skipped. Input with no certificate at
// all returns ErrNoPEMData.
func ParseCertificates(certRaw []byte) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, 4)
	for {
		pemBlock, remains := pem.Decode(certRaw)
		if pemBlock == nil {
			if len(bytes.TrimSpace(remains)) != 0 {
				return nil, errors.New("invalid certificate: trailing data is not PEM")
			}
			break
		}
		certRaw = remains

		if pemBlock.Type != PEMTypeCertificate {
			continue
		}
		cert, err := x509.ParseCertificate(pemBlock.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("invalid certificate: %w", ErrNoPEMData)
	}
	return certs, nil
}

// ParseCertificate decodes a PEM input holding exactly one certificate.
func ParseCertificate(certRaw []byte) (*x509.Certificate, error) {
	certs, err := ParseCertificates(certRaw)
	if err != nil {
		return nil, err
	}
	if len(certs) != 1 {
		return nil, fmt.Errorf("expected one certificate, got %d", len(certs))
	}
	return certs[0], nil
}

func MarshalCertificates(certs ...*x509.Certificate) []byte {
	buf := bytes.Buffer{}
	for _, cert := range certs {
		_ = pem.Encode(&buf, &pem.Block{Type: PEMTypeCertificate, Bytes: cert.Raw})
	}
	return buf.Bytes()
}

func ParseCertificateRequest(certRequest []byte) (*x509.CertificateRequest, error) {
	pemBlock, _ := pem.Decode(certRequest)
	if pemBlock == nil || pemBlock.Type != PEMTypeCertificateRequest {
		return nil, fmt.Errorf("invalid certificate request: %w", ErrNoPEMData)
	}

	return x509.ParseCertificateRequest(pemBlock.Bytes)
}

func MarshalCertificateRequest(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: PEMTypeCertificateRequest, Bytes: der})
}

func ParseRevocationList(crlRaw []byte) (*x509.RevocationList, error) {
	pemBlock, _ := pem.Decode(crlRaw)
	if pemBlock == nil || pemBlock.Type != PEMTypeX509CRL {
		return nil, fmt.Errorf("invalid revocation list: %w", ErrNoPEMData)
	}
	return x509.ParseRevocationList(pemBlock.Bytes)
}

func MarshalRevocationList(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: PEMTypeX509CRL, Bytes: der})
}

// DNQualifier returns the dnQualifier attribute of name.
func DNQualifier(name gopkix.Name) (string, bool) {
	for _, attr := range name.Names {
		if !attr.Type.Equal(OIDDNQualifier) {
			continue
		}
		if value, ok := attr.Value.(string); ok {
			return value, true
		}
	}
	return "", false
}

// SubjectKeyID computes the RFC 5280 method 1 key identifier: the SHA-1 hash of
// the subjectPublicKey bit string.
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}

	var spki struct {
		Algorithm        gopkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, err
	}

	sum := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return sum[:], nil
}
