// Package revocation maintains the certificate revocation list of a profile's
// authority.
package revocation

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"time"

	"github.com/openebl/idsreg/pkg/model"
	idspkix "github.com/openebl/idsreg/pkg/pkix"
	"github.com/openebl/idsreg/pkg/profile"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// UpdateInterval is the distance between thisUpdate and nextUpdate of every
// list the ledger signs.
const UpdateInterval = 24 * time.Hour

type Outcome int

const (
	Revoked Outcome = iota + 1
	AlreadyRevoked
)

func (o Outcome) String() string {
	switch o {
	case Revoked:
		return "revoked"
	case AlreadyRevoked:
		return "already revoked"
	}
	return "unknown"
}

type Ledger struct {
	now func() time.Time
}

type Option func(l *Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func NewLedger(options ...Option) *Ledger {
	l := &Ledger{now: time.Now}
	for _, option := range options {
		option(l)
	}
	return l
}

// Revoke adds the certificate whose serial number is id to the profile's
// revocation list. Revoking an id twice leaves the list untouched and reports
// AlreadyRevoked.
func (l *Ledger) Revoke(p *profile.Profile, caKey crypto.Signer, caCert *x509.Certificate, id model.AnalyzerID) (Outcome, error) {
	if caKey == nil || caCert == nil {
		return 0, fmt.Errorf("authority key and certificate are required: %w", model.ErrInvalidParameter)
	}

	previous, err := Load(p, caCert)
	if err != nil {
		return 0, err
	}

	serial := new(big.Int).SetUint64(uint64(id))
	number := big.NewInt(0)
	var entries []x509.RevocationListEntry
	if previous != nil {
		if lo.ContainsBy(previous.RevokedCertificateEntries, func(entry x509.RevocationListEntry) bool {
			return entry.SerialNumber.Cmp(serial) == 0
		}) {
			logrus.Infof("analyzer %s is already revoked in profile %q", id, p.Name())
			return AlreadyRevoked, nil
		}
		entries = lo.Map(previous.RevokedCertificateEntries, func(entry x509.RevocationListEntry, _ int) x509.RevocationListEntry {
			return x509.RevocationListEntry{
				SerialNumber:   entry.SerialNumber,
				RevocationTime: entry.RevocationTime,
				ReasonCode:     entry.ReasonCode,
			}
		})
		if previous.Number != nil {
			number.Set(previous.Number)
		}
	}

	now := l.now()
	template := x509.RevocationList{
		Number:     number.Add(number, big.NewInt(1)),
		ThisUpdate: now,
		NextUpdate: now.Add(UpdateInterval),
		RevokedCertificateEntries: append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: now,
		}),
	}
	der, err := x509.CreateRevocationList(rand.Reader, &template, caCert, caKey)
	if err != nil {
		return 0, fmt.Errorf("fail to CreateRevocationList: %s: %w", err.Error(), model.ErrCertificate)
	}
	if err := p.WriteFile(p.ServerCRLFile(), idspkix.MarshalRevocationList(der)); err != nil {
		return 0, err
	}

	logrus.Infof("revoked analyzer %s in profile %q (list #%d)", id, p.Name(), template.Number)
	return Revoked, nil
}

// List returns the entries of the profile's revocation list. A profile that
// never revoked anything has an empty list.
func (l *Ledger) List(p *profile.Profile, caCert *x509.Certificate) ([]x509.RevocationListEntry, error) {
	crl, err := Load(p, caCert)
	if err != nil || crl == nil {
		return nil, err
	}
	return crl.RevokedCertificateEntries, nil
}

// Load returns the parsed revocation list of the profile, nil when there is
// none. With a non-nil caCert the list signature is checked against it.
func Load(p *profile.Profile, caCert *x509.Certificate) (*x509.RevocationList, error) {
	path := p.ServerCRLFile()
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("fail to read %s: %s: %w", path, err.Error(), model.ErrFilesystem)
	}

	crl, err := idspkix.ParseRevocationList(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", path, err.Error(), model.ErrCorruptCredential)
	}
	if caCert != nil {
		if err := crl.CheckSignatureFrom(caCert); err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, err.Error(), model.ErrCorruptCredential)
		}
	}
	return crl, nil
}
