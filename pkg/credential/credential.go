// Package credential loads the key material of a profile from disk, generating
// whatever is missing. Material that exists but cannot be parsed is reported as
// corrupt and never silently replaced.
package credential

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/openebl/idsreg/pkg/cert_authority"
	"github.com/openebl/idsreg/pkg/config"
	"github.com/openebl/idsreg/pkg/model"
	idspkix "github.com/openebl/idsreg/pkg/pkix"
	"github.com/openebl/idsreg/pkg/profile"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Store is safe for concurrent use as long as callers do not work on the same
// profile concurrently.
type Store struct {
	ca       cert_authority.CertAuthority
	settings config.TLSSettings
	progress func(bits int)
}

type StoreOption func(s *Store)

func WithSettings(settings config.TLSSettings) StoreOption {
	return func(s *Store) {
		s.settings = settings
	}
}

func WithCertAuthority(ca cert_authority.CertAuthority) StoreOption {
	return func(s *Store) {
		s.ca = ca
	}
}

// WithProgress registers a callback invoked right before a (possibly
// slow) RSA key generation starts.
func WithProgress(progress func(bits int)) StoreOption {
	return func(s *Store) {
		s.progress = progress
	}
}

func NewStore(options ...StoreOption) *Store {
	s := &Store{
		ca:       cert_authority.NewCertAuthority(),
		settings: config.DefaultTLSSettings(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func (s *Store) CertAuthority() cert_authority.CertAuthority {
	return s.ca
}

func (s *Store) Settings() config.TLSSettings {
	return s.settings
}

// LoadOrGeneratePrivateKey returns the profile key, generating and persisting an
// RSA key of the configured size when the profile has none.
func (s *Store) LoadOrGeneratePrivateKey(p *profile.Profile) (crypto.Signer, error) {
	path := p.KeyFile()
	content, err := readOptional(path)
	if err != nil {
		return nil, err
	}
	if content != nil {
		key, err := idspkix.ParsePrivateKey(content)
		if err != nil {
			return nil, corrupt(path, err)
		}
		return key, nil
	}

	bits := s.settings.GeneratedKeySize
	if s.progress != nil {
		s.progress(bits)
	}
	logrus.Infof("generating %d bits RSA private key for profile %q", bits, p.Name())
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("fail to generate private key: %s: %w", err.Error(), model.ErrCertificate)
	}

	keyPEM, err := idspkix.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("fail to marshal private key: %s: %w", err.Error(), model.ErrCertificate)
	}
	if err := p.WriteFile(path, keyPEM); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadOrGenerateCACertificate returns the profile's self-signed authority
// certificate, generating it from key when absent.
func (s *Store) LoadOrGenerateCACertificate(p *profile.Profile, key crypto.Signer) (*x509.Certificate, error) {
	path := p.ServerCACertFile()
	cert, err := s.loadCertificate(path, key)
	if cert != nil || err != nil {
		return cert, err
	}

	logrus.Infof("generating self-signed authority certificate for profile %q", p.Name())
	cert, err = s.ca.GenerateSelfSignedCA(cert_authority.GenerateSelfSignedCARequest{
		AnalyzerID:   p.AnalyzerID(),
		Key:          key,
		LifetimeDays: s.settings.AuthorityCertificateLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := p.WriteFile(path, idspkix.MarshalCertificates(cert)); err != nil {
		return nil, err
	}
	return cert, nil
}

// LoadOrGenerateSignedCertificate returns the certificate the profile's authority
// issued for the profile's own key, issuing it when absent. The authority key is
// also the subject key.
func (s *Store) LoadOrGenerateSignedCertificate(p *profile.Profile, caCert *x509.Certificate, caKey crypto.Signer) (*x509.Certificate, error) {
	path := p.ServerKeyCertFile()
	cert, err := s.loadCertificate(path, caKey)
	if cert != nil || err != nil {
		return cert, err
	}

	logrus.Infof("issuing authority-signed certificate for profile %q", p.Name())
	crq, err := s.ca.GenerateSigningRequest(cert_authority.GenerateSigningRequestRequest{
		AnalyzerID: p.AnalyzerID(),
		Key:        caKey,
	})
	if err != nil {
		return nil, err
	}
	cert, err = s.ca.SignCertificateRequest(cert_authority.SignCertificateRequestRequest{
		CertificateRequest: crq,
		CACert:             caCert,
		CAKey:              caKey,
		LifetimeDays:       s.settings.GeneratedCertificateLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := p.WriteFile(path, idspkix.MarshalCertificates(cert)); err != nil {
		return nil, err
	}
	return cert, nil
}

// SaveCertificate merges certPEM into the multi-certificate file at path. Any
// certificate already there for the same (subject, issuer) analyzer pair is
// dropped, so re-registering with the same manager replaces the old certificate
// while certificates from other managers are kept. The file is replaced
// atomically.
func (s *Store) SaveCertificate(p *profile.Profile, path string, certPEM []byte) error {
	cert, err := idspkix.ParseCertificate(certPEM)
	if err != nil {
		return fmt.Errorf("fail to parse received certificate: %s: %w", err.Error(), model.ErrCertificate)
	}

	existing, err := LoadCertificates(path)
	if err != nil && !errors.Is(err, model.ErrDataNotFound) {
		return err
	}

	subject, issuer := certificateKey(cert)
	kept := lo.Filter(existing, func(old *x509.Certificate, _ int) bool {
		oldSubject, oldIssuer := certificateKey(old)
		return subject == "" || issuer == "" || oldSubject != subject || oldIssuer != issuer
	})
	if pruned := len(existing) - len(kept); pruned > 0 {
		logrus.Debugf("replacing %d certificate(s) for subject %s issued by %s in %s", pruned, subject, issuer, path)
	}

	return p.WriteFile(path, idspkix.MarshalCertificates(append(kept, cert)...))
}

// LoadCertificates returns every certificate of a multi-certificate file in file
// order. A missing file yields ErrDataNotFound.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	content, err := readOptional(path)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, fmt.Errorf("%s: %w", path, model.ErrDataNotFound)
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, nil
	}

	certs, err := idspkix.ParseCertificates(content)
	if err != nil {
		return nil, corrupt(path, err)
	}
	return certs, nil
}

// LoadPrivateKey returns the profile key without generating one.
func LoadPrivateKey(p *profile.Profile) (crypto.Signer, error) {
	content, err := readOptional(p.KeyFile())
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, fmt.Errorf("profile %q has no private key: %w", p.Name(), model.ErrDataNotFound)
	}
	key, err := idspkix.ParsePrivateKey(content)
	if err != nil {
		return nil, corrupt(p.KeyFile(), err)
	}
	return key, nil
}

// LoadCACertificate returns the profile's authority certificate without
// generating one.
func LoadCACertificate(p *profile.Profile) (*x509.Certificate, error) {
	content, err := readOptional(p.ServerCACertFile())
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, fmt.Errorf("profile %q has no authority certificate: %w", p.Name(), model.ErrDataNotFound)
	}
	cert, err := idspkix.ParseCertificate(content)
	if err != nil {
		return nil, corrupt(p.ServerCACertFile(), err)
	}
	return cert, nil
}

// loadCertificate returns (nil, nil) when path does not exist. A present
// certificate must carry key's public half.
func (s *Store) loadCertificate(path string, key crypto.Signer) (*x509.Certificate, error) {
	content, err := readOptional(path)
	if err != nil || content == nil {
		return nil, err
	}

	cert, err := idspkix.ParseCertificate(content)
	if err != nil {
		return nil, corrupt(path, err)
	}
	pub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(key.Public()) {
		return nil, corrupt(path, errors.New("certificate does not match the profile key"))
	}
	return cert, nil
}

func certificateKey(cert *x509.Certificate) (subject, issuer string) {
	subject, _ = idspkix.DNQualifier(cert.Subject)
	issuer, _ = idspkix.DNQualifier(cert.Issuer)
	return subject, issuer
}

// readOptional returns (nil, nil) for a missing file.
func readOptional(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("fail to read %s: %s: %w", path, err.Error(), model.ErrFilesystem)
	}
	if content == nil {
		content = []byte{}
	}
	return content, nil
}

func corrupt(path string, err error) error {
	return fmt.Errorf("%s: %s: %w", path, err.Error(), model.ErrCorruptCredential)
}
