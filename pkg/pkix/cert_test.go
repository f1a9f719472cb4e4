package pkix_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	gopkix "crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/openebl/idsreg/pkg/pkix"
	"github.com/stretchr/testify/suite"
)

type CertTestSuite struct {
	suite.Suite
	rootKey   *rsa.PrivateKey
	rootCert  *x509.Certificate // Self-signed authority.
	otherCert *x509.Certificate // Unrelated self-signed authority.
	leafCert  *x509.Certificate // Signed by rootCert, carries a DN qualifier.
}

func TestCertTestSuite(t *testing.T) {
	suite.Run(t, new(CertTestSuite))
}

func (s *CertTestSuite) SetupSuite() {
	rootKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	otherKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	leafKey, _ := rsa.GenerateKey(rand.Reader, 1024)

	rootTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: gopkix.Name{
			CommonName: "Registration Authority",
			ExtraNames: []gopkix.AttributeTypeAndValue{{Type: pkix.OIDDNQualifier, Value: "1"}},
		},
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(1, 0, 0),
	}

	otherTemplate := rootTemplate
	otherTemplate.Subject = gopkix.Name{CommonName: "Other Authority"}

	leafTemplate := rootTemplate
	leafTemplate.SerialNumber = new(big.Int).SetUint64(18446744073709551615)
	leafTemplate.Subject = gopkix.Name{
		CommonName: "7",
		ExtraNames: []gopkix.AttributeTypeAndValue{{Type: pkix.OIDDNQualifier, Value: "18446744073709551615"}},
	}
	leafTemplate.IsCA = false
	leafTemplate.KeyUsage = x509.KeyUsageDigitalSignature

	rootBytes, _ := x509.CreateCertificate(rand.Reader, &rootTemplate, &rootTemplate, &rootKey.PublicKey, rootKey)
	s.rootCert, _ = x509.ParseCertificate(rootBytes)
	otherBytes, _ := x509.CreateCertificate(rand.Reader, &otherTemplate, &otherTemplate, &otherKey.PublicKey, otherKey)
	s.otherCert, _ = x509.ParseCertificate(otherBytes)
	leafBytes, _ := x509.CreateCertificate(rand.Reader, &leafTemplate, s.rootCert, &leafKey.PublicKey, rootKey)
	s.leafCert, _ = x509.ParseCertificate(leafBytes)
	s.rootKey = rootKey
}

func (s *CertTestSuite) TestVerifyLeaf() {
	s.Require().NoError(pkix.VerifyLeaf(s.leafCert, []*x509.Certificate{s.rootCert}, time.Time{}))
	s.Require().NoError(pkix.VerifyLeaf(s.leafCert, []*x509.Certificate{s.otherCert, s.rootCert}, s.leafCert.NotBefore))
	s.Require().Error(pkix.VerifyLeaf(s.leafCert, []*x509.Certificate{s.rootCert}, time.Now().AddDate(2, 0, 0)))
	s.Require().Error(pkix.VerifyLeaf(s.leafCert, []*x509.Certificate{s.otherCert}, time.Time{}))
	s.Require().Error(pkix.VerifyLeaf(s.leafCert, nil, time.Time{}))
}

func (s *CertTestSuite) TestCertificatesRoundTrip() {
	pemData := pkix.MarshalCertificates(s.leafCert, s.rootCert, s.otherCert)

	certs, err := pkix.ParseCertificates(pemData)
	s.Require().NoError(err)
	s.Require().Len(certs, 3)
	s.Require().Equal(s.leafCert.Raw, certs[0].Raw)
	s.Require().Equal(s.rootCert.Raw, certs[1].Raw)
	s.Require().Equal(s.otherCert.Raw, certs[2].Raw)
	s.Require().Equal(pemData, pkix.MarshalCertificates(certs...))

	_, err = pkix.ParseCertificate(pemData)
	s.Require().Error(err)

	single, err := pkix.ParseCertificate(pkix.MarshalCertificates(s.rootCert))
	s.Require().NoError(err)
	s.Require().True(single.Equal(s.rootCert))
}

func (s *CertTestSuite) TestParseCertificatesInvalid() {
	_, err := pkix.ParseCertificates(nil)
	s.Require().ErrorIs(err, pkix.ErrNoPEMData)

	_, err = pkix.ParseCertificates([]byte("not a certificate"))
	s.Require().Error(err)

	garbage := append(pkix.MarshalCertificates(s.rootCert), []byte("trailing junk")...)
	_, err = pkix.ParseCertificates(garbage)
	s.Require().Error(err)
}

func (s *CertTestSuite) TestDNQualifier() {
	value, ok := pkix.DNQualifier(s.leafCert.Subject)
	s.Require().True(ok)
	s.Require().Equal("18446744073709551615", value)

	value, ok = pkix.DNQualifier(s.leafCert.Issuer)
	s.Require().True(ok)
	s.Require().Equal("1", value)

	_, ok = pkix.DNQualifier(s.otherCert.Subject)
	s.Require().False(ok)
	s.Require().Equal("18446744073709551615", s.leafCert.SerialNumber.String())
}

func (s *CertTestSuite) TestSubjectKeyID() {
	keyID, err := pkix.SubjectKeyID(&s.rootKey.PublicKey)
	s.Require().NoError(err)
	s.Require().Len(keyID, 20)
	again, err := pkix.SubjectKeyID(s.rootCert.PublicKey)
	s.Require().NoError(err)
	s.Require().Equal(keyID, again)
	s.Require().Equal(s.rootCert.SubjectKeyId, s.leafCert.AuthorityKeyId)
}

func (s *CertTestSuite) TestPrivateKeyRoundTrip() {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	s.Require().NoError(err)

	rsaPEM, err := pkix.MarshalPrivateKey(s.rootKey)
	s.Require().NoError(err)
	parsed, err := pkix.ParsePrivateKey(rsaPEM)
	s.Require().NoError(err)
	s.Require().True(s.rootKey.Equal(parsed))

	ecPEM, err := pkix.MarshalPrivateKey(ecKey)
	s.Require().NoError(err)
	parsedEC, err := pkix.ParsePrivateKey(ecPEM)
	s.Require().NoError(err)
	s.Require().True(ecKey.Equal(parsedEC))

	_, err = pkix.ParsePrivateKey([]byte("garbage"))
	s.Require().ErrorIs(err, pkix.ErrNoPEMData)
}

func (s *CertTestSuite) TestRevocationListRoundTrip() {
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now(),
		NextUpdate: time.Now().Add(time.Hour),
		RevokedCertificateEntries: []x509.RevocationListEntry{
			{SerialNumber: big.NewInt(42), RevocationTime: time.Now()},
		},
	}, s.rootCert, s.rootKey)
	s.Require().NoError(err)

	crl, err := pkix.ParseRevocationList(pkix.MarshalRevocationList(der))
	s.Require().NoError(err)
	s.Require().Len(crl.RevokedCertificateEntries, 1)
	s.Require().Equal(int64(42), crl.RevokedCertificateEntries[0].SerialNumber.Int64())

	_, err = pkix.ParseRevocationList(pkix.MarshalCertificates(s.rootCert))
	s.Require().ErrorIs(err, pkix.ErrNoPEMData)
}
