package cert_authority

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	gopkix "crypto/x509/pkix"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/openebl/idsreg/pkg/model"
	idspkix "github.com/openebl/idsreg/pkg/pkix"
	"github.com/sirupsen/logrus"
)

// NoExpiry is the notAfter of certificates generated with a zero lifetime
// (RFC 5280 4.1.2.5: no well-defined expiration date).
var NoExpiry = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

type CertAuthority interface {
	// GenerateSigningRequest builds the PEM request an analyzer sends to a manager:
	// DN qualifier = analyzer id, common name = decimal permission (omitted when 0).
	GenerateSigningRequest(req GenerateSigningRequestRequest) ([]byte, error)

	// ParseSigningRequest decodes a PEM request and checks its self-signature.
	ParseSigningRequest(crq []byte) (SigningRequest, error)

	// SignCertificateRequest issues a certificate for the request: serial number =
	// requested analyzer id, authority key id = the authority's key.
	SignCertificateRequest(req SignCertificateRequestRequest) (*x509.Certificate, error)

	// GenerateSelfSignedCA builds the authority certificate of a profile.
	GenerateSelfSignedCA(req GenerateSelfSignedCARequest) (*x509.Certificate, error)
}

type GenerateSigningRequestRequest struct {
	AnalyzerID model.AnalyzerID `json:"analyzer_id"`
	Key        crypto.Signer    `json:"-"`
	Permission model.Permission `json:"permission"`
}

type SignCertificateRequestRequest struct {
	CertificateRequest []byte            `json:"certificate_request"` // PEM encoded request.
	CACert             *x509.Certificate `json:"-"`
	CAKey              crypto.Signer     `json:"-"`
	LifetimeDays       int               `json:"lifetime_days"` // 0 means no expiry.
}

type GenerateSelfSignedCARequest struct {
	AnalyzerID   model.AnalyzerID `json:"analyzer_id"`
	Key          crypto.Signer    `json:"-"`
	LifetimeDays int              `json:"lifetime_days"` // 0 means no expiry.
}

// SigningRequest is a parsed and signature-checked registration request.
type SigningRequest struct {
	AnalyzerID model.AnalyzerID         `json:"analyzer_id"`
	Permission model.Permission         `json:"permission"`
	Request    *x509.CertificateRequest `json:"-"`
}

type _CertAuthority struct {
	now func() time.Time
}

type Option func(ca *_CertAuthority)

// WithClock replaces time.Now as the source of validity periods.
func WithClock(now func() time.Time) Option {
	return func(ca *_CertAuthority) {
		ca.now = now
	}
}

func NewCertAuthority(options ...Option) *_CertAuthority {
	ca := &_CertAuthority{now: time.Now}
	for _, option := range options {
		option(ca)
	}
	return ca
}

func (ca *_CertAuthority) GenerateSigningRequest(req GenerateSigningRequestRequest) ([]byte, error) {
	if err := ValidateGenerateSigningRequestRequest(req); err != nil {
		return nil, err
	}

	template := x509.CertificateRequest{
		Subject: analyzerName(req.AnalyzerID, req.Permission),
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &template, req.Key)
	if err != nil {
		return nil, fmt.Errorf("fail to CreateCertificateRequest: %s: %w", err.Error(), model.ErrCertificate)
	}
	return idspkix.MarshalCertificateRequest(der), nil
}

func (ca *_CertAuthority) ParseSigningRequest(crq []byte) (SigningRequest, error) {
	csr, err := idspkix.ParseCertificateRequest(crq)
	if err != nil {
		return SigningRequest{}, fmt.Errorf("fail to parse certificate request: %s: %w", err.Error(), model.ErrCertificate)
	}
	if err := csr.CheckSignature(); err != nil {
		return SigningRequest{}, fmt.Errorf("certificate request signature is invalid: %s: %w", err.Error(), model.ErrCertificate)
	}

	qualifier, ok := idspkix.DNQualifier(csr.Subject)
	if !ok {
		return SigningRequest{}, fmt.Errorf("certificate request carries no DN qualifier: %w", model.ErrCertificate)
	}
	analyzerID, err := model.ParseAnalyzerID(qualifier)
	if err != nil || analyzerID == 0 {
		return SigningRequest{}, fmt.Errorf("certificate request DN qualifier %q is not an analyzer id: %w", qualifier, model.ErrCertificate)
	}

	var permission model.Permission
	if cn := csr.Subject.CommonName; cn != "" {
		value, err := strconv.ParseUint(cn, 10, 32)
		if err != nil || !model.Permission(value).Valid() {
			return SigningRequest{}, fmt.Errorf("certificate request permission %q is invalid: %w", cn, model.ErrCertificate)
		}
		permission = model.Permission(value)
	}

	return SigningRequest{
		AnalyzerID: analyzerID,
		Permission: permission,
		Request:    csr,
	}, nil
}

func (ca *_CertAuthority) SignCertificateRequest(req SignCertificateRequestRequest) (*x509.Certificate, error) {
	if err := ValidateSignCertificateRequestRequest(req); err != nil {
		return nil, err
	}

	signingRequest, err := ca.ParseSigningRequest(req.CertificateRequest)
	if err != nil {
		return nil, err
	}

	authorityKeyID, err := idspkix.SubjectKeyID(req.CAKey.Public())
	if err != nil {
		return nil, fmt.Errorf("fail to compute authority key id: %s: %w", err.Error(), model.ErrCertificate)
	}

	now := ca.now()
	certTemplate := x509.Certificate{
		SerialNumber:          serialNumber(signingRequest.AnalyzerID),
		RawSubject:            signingRequest.Request.RawSubject, // Keeps the DN qualifier verbatim.
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		AuthorityKeyId:        authorityKeyID,
		NotBefore:             now,
		NotAfter:              expiry(now, req.LifetimeDays),
	}

	rawCert, err := x509.CreateCertificate(rand.Reader, &certTemplate, req.CACert, signingRequest.Request.PublicKey, req.CAKey)
	if err != nil {
		return nil, fmt.Errorf("fail to CreateCertificate: %s: %w", err.Error(), model.ErrCertificate)
	}
	cert, err := x509.ParseCertificate(rawCert)
	if err != nil {
		return nil, fmt.Errorf("fail to ParseCertificate: %s: %w", err.Error(), model.ErrCertificate)
	}

	logrus.Debugf("issued certificate for analyzer %s (permission %q)", signingRequest.AnalyzerID, signingRequest.Permission)
	return cert, nil
}

func (ca *_CertAuthority) GenerateSelfSignedCA(req GenerateSelfSignedCARequest) (*x509.Certificate, error) {
	if err := ValidateGenerateSelfSignedCARequest(req); err != nil {
		return nil, err
	}

	subjectKeyID, err := idspkix.SubjectKeyID(req.Key.Public())
	if err != nil {
		return nil, fmt.Errorf("fail to compute subject key id: %s: %w", err.Error(), model.ErrCertificate)
	}

	now := ca.now()
	certTemplate := x509.Certificate{
		SerialNumber:          serialNumber(req.AnalyzerID),
		Subject:               analyzerName(req.AnalyzerID, 0),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage: x509.KeyUsageCRLSign | x509.KeyUsageCertSign | x509.KeyUsageKeyAgreement |
			x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment | x509.KeyUsageDigitalSignature,
		SubjectKeyId: subjectKeyID,
		NotBefore:    now,
		NotAfter:     expiry(now, req.LifetimeDays),
	}

	rawCert, err := x509.CreateCertificate(rand.Reader, &certTemplate, &certTemplate, req.Key.Public(), req.Key)
	if err != nil {
		return nil, fmt.Errorf("fail to CreateCertificate: %s: %w", err.Error(), model.ErrCertificate)
	}
	cert, err := x509.ParseCertificate(rawCert)
	if err != nil {
		return nil, fmt.Errorf("fail to ParseCertificate: %s: %w", err.Error(), model.ErrCertificate)
	}
	return cert, nil
}

// AnalyzerIDOf returns the analyzer id in the DN qualifier of name.
func AnalyzerIDOf(name gopkix.Name) (model.AnalyzerID, bool) {
	qualifier, ok := idspkix.DNQualifier(name)
	if !ok {
		return 0, false
	}
	id, err := model.ParseAnalyzerID(qualifier)
	if err != nil {
		return 0, false
	}
	return id, true
}

func analyzerName(id model.AnalyzerID, permission model.Permission) gopkix.Name {
	name := gopkix.Name{
		ExtraNames: []gopkix.AttributeTypeAndValue{
			{Type: idspkix.OIDDNQualifier, Value: id.String()},
		},
	}
	if permission != 0 {
		name.CommonName = strconv.FormatUint(uint64(permission), 10)
	}
	return name
}

func serialNumber(id model.AnalyzerID) *big.Int {
	return new(big.Int).SetUint64(uint64(id))
}

func expiry(now time.Time, lifetimeDays int) time.Time {
	if lifetimeDays == 0 {
		return NoExpiry
	}
	return now.AddDate(0, 0, lifetimeDays)
}
