package cert_authority_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"math"
	"testing"
	"time"

	"github.com/openebl/idsreg/pkg/cert_authority"
	"github.com/openebl/idsreg/pkg/model"
	idspkix "github.com/openebl/idsreg/pkg/pkix"
	"github.com/stretchr/testify/suite"
)

type CertAuthorityTestSuite struct {
	suite.Suite

	now       time.Time
	ca        cert_authority.CertAuthority
	caKey     *rsa.PrivateKey
	caCert    *x509.Certificate
	clientKey *rsa.PrivateKey
}

func TestCertAuthorityTestSuite(t *testing.T) {
	suite.Run(t, new(CertAuthorityTestSuite))
}

func (s *CertAuthorityTestSuite) SetupSuite() {
	var err error
	s.caKey, err = rsa.GenerateKey(rand.Reader, 1024)
	s.Require().NoError(err)
	s.clientKey, err = rsa.GenerateKey(rand.Reader, 1024)
	s.Require().NoError(err)
}

func (s *CertAuthorityTestSuite) SetupTest() {
	s.now = time.Now().Truncate(time.Second)
	s.ca = cert_authority.NewCertAuthority(cert_authority.WithClock(func() time.Time { return s.now }))

	var err error
	s.caCert, err = s.ca.GenerateSelfSignedCA(cert_authority.GenerateSelfSignedCARequest{
		AnalyzerID:   1001,
		Key:          s.caKey,
		LifetimeDays: 0,
	})
	s.Require().NoError(err)
}

func (s *CertAuthorityTestSuite) TestGenerateSelfSignedCA() {
	s.Require().True(s.caCert.IsCA)
	s.Require().True(s.caCert.BasicConstraintsValid)
	s.Require().Equal(x509.KeyUsageCRLSign|x509.KeyUsageCertSign|x509.KeyUsageKeyAgreement|
		x509.KeyUsageKeyEncipherment|x509.KeyUsageDataEncipherment|x509.KeyUsageDigitalSignature, s.caCert.KeyUsage)
	s.Require().Equal("1001", s.caCert.SerialNumber.String())
	s.Require().True(cert_authority.NoExpiry.Equal(s.caCert.NotAfter))
	s.Require().NoError(s.caCert.CheckSignatureFrom(s.caCert))

	id, ok := cert_authority.AnalyzerIDOf(s.caCert.Subject)
	s.Require().True(ok)
	s.Require().Equal(model.AnalyzerID(1001), id)

	keyID, err := idspkix.SubjectKeyID(&s.caKey.PublicKey)
	s.Require().NoError(err)
	s.Require().Equal(keyID, s.caCert.SubjectKeyId)

	limited, err := s.ca.GenerateSelfSignedCA(cert_authority.GenerateSelfSignedCARequest{
		AnalyzerID:   1001,
		Key:          s.caKey,
		LifetimeDays: 30,
	})
	s.Require().NoError(err)
	s.Require().True(s.now.AddDate(0, 0, 30).Equal(limited.NotAfter))
}

func (s *CertAuthorityTestSuite) TestSigningRequestRoundTrip() {
	crq, err := s.ca.GenerateSigningRequest(cert_authority.GenerateSigningRequestRequest{
		AnalyzerID: math.MaxUint64,
		Key:        s.clientKey,
		Permission: model.PermissionIDMEFRead | model.PermissionAdminRead,
	})
	s.Require().NoError(err)

	req, err := s.ca.ParseSigningRequest(crq)
	s.Require().NoError(err)
	s.Require().Equal(model.AnalyzerID(math.MaxUint64), req.AnalyzerID)
	s.Require().Equal(model.Permission(0x3), req.Permission)
	s.Require().Equal("3", req.Request.Subject.CommonName)
}

func (s *CertAuthorityTestSuite) TestSigningRequestWithoutPermission() {
	crq, err := s.ca.GenerateSigningRequest(cert_authority.GenerateSigningRequestRequest{
		AnalyzerID: 42,
		Key:        s.clientKey,
	})
	s.Require().NoError(err)

	req, err := s.ca.ParseSigningRequest(crq)
	s.Require().NoError(err)
	s.Require().Equal(model.AnalyzerID(42), req.AnalyzerID)
	s.Require().Zero(req.Permission)
	s.Require().Empty(req.Request.Subject.CommonName)
}

func (s *CertAuthorityTestSuite) TestSignCertificateRequest() {
	crq, err := s.ca.GenerateSigningRequest(cert_authority.GenerateSigningRequestRequest{
		AnalyzerID: math.MaxUint64,
		Key:        s.clientKey,
		Permission: 0x3,
	})
	s.Require().NoError(err)

	cert, err := s.ca.SignCertificateRequest(cert_authority.SignCertificateRequestRequest{
		CertificateRequest: crq,
		CACert:             s.caCert,
		CAKey:              s.caKey,
		LifetimeDays:       365,
	})
	s.Require().NoError(err)

	s.Require().Equal("18446744073709551615", cert.SerialNumber.String())
	s.Require().False(cert.IsCA)
	s.Require().Equal(s.caCert.SubjectKeyId, cert.AuthorityKeyId)
	s.Require().True(s.now.AddDate(0, 0, 365).Equal(cert.NotAfter))
	s.Require().True(s.clientKey.PublicKey.Equal(cert.PublicKey))
	s.Require().NoError(cert.CheckSignatureFrom(s.caCert))
	s.Require().NoError(idspkix.VerifyLeaf(cert, []*x509.Certificate{s.caCert}, cert.NotBefore))

	subjectID, ok := cert_authority.AnalyzerIDOf(cert.Subject)
	s.Require().True(ok)
	s.Require().Equal(model.AnalyzerID(math.MaxUint64), subjectID)
	issuerID, ok := cert_authority.AnalyzerIDOf(cert.Issuer)
	s.Require().True(ok)
	s.Require().Equal(model.AnalyzerID(1001), issuerID)
	s.Require().Equal("3", cert.Subject.CommonName)
}

func (s *CertAuthorityTestSuite) TestSignWithoutExpiry() {
	crq, err := s.ca.GenerateSigningRequest(cert_authority.GenerateSigningRequestRequest{
		AnalyzerID: 7,
		Key:        s.clientKey,
		Permission: 0x1,
	})
	s.Require().NoError(err)

	cert, err := s.ca.SignCertificateRequest(cert_authority.SignCertificateRequestRequest{
		CertificateRequest: crq,
		CACert:             s.caCert,
		CAKey:              s.caKey,
	})
	s.Require().NoError(err)
	s.Require().True(cert_authority.NoExpiry.Equal(cert.NotAfter))
}

func (s *CertAuthorityTestSuite) TestInvalidParameters() {
	_, err := s.ca.GenerateSigningRequest(cert_authority.GenerateSigningRequestRequest{AnalyzerID: 1})
	s.Require().ErrorIs(err, model.ErrInvalidParameter)

	_, err = s.ca.GenerateSigningRequest(cert_authority.GenerateSigningRequestRequest{Key: s.clientKey})
	s.Require().ErrorIs(err, model.ErrInvalidParameter)

	_, err = s.ca.GenerateSigningRequest(cert_authority.GenerateSigningRequestRequest{
		AnalyzerID: 1,
		Key:        s.clientKey,
		Permission: 0x40,
	})
	s.Require().ErrorIs(err, model.ErrInvalidParameter)

	_, err = s.ca.SignCertificateRequest(cert_authority.SignCertificateRequestRequest{
		CertificateRequest: []byte("x"),
		CAKey:              s.caKey,
	})
	s.Require().ErrorIs(err, model.ErrInvalidParameter)

	_, err = s.ca.GenerateSelfSignedCA(cert_authority.GenerateSelfSignedCARequest{
		AnalyzerID:   1,
		Key:          s.caKey,
		LifetimeDays: -1,
	})
	s.Require().ErrorIs(err, model.ErrInvalidParameter)
}

func (s *CertAuthorityTestSuite) TestRejectMalformedRequest() {
	_, err := s.ca.ParseSigningRequest([]byte("-----BEGIN CERTIFICATE REQUEST-----\nAAAA\n-----END CERTIFICATE REQUEST-----\n"))
	s.Require().ErrorIs(err, model.ErrCertificate)

	_, err = s.ca.ParseSigningRequest(idspkix.MarshalCertificates(s.caCert))
	s.Require().ErrorIs(err, model.ErrCertificate)

	// A request without a DN qualifier cannot be mapped to an analyzer.
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{}, s.clientKey)
	s.Require().NoError(err)
	_, err = s.ca.SignCertificateRequest(cert_authority.SignCertificateRequestRequest{
		CertificateRequest: idspkix.MarshalCertificateRequest(der),
		CACert:             s.caCert,
		CAKey:              s.caKey,
	})
	s.Require().ErrorIs(err, model.ErrCertificate)
}
