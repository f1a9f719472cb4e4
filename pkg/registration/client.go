package registration

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/avast/retry-go/v4"
	"github.com/openebl/idsreg/pkg/cert_authority"
	"github.com/openebl/idsreg/pkg/config"
	"github.com/openebl/idsreg/pkg/credential"
	"github.com/openebl/idsreg/pkg/model"
	idspkix "github.com/openebl/idsreg/pkg/pkix"
	"github.com/openebl/idsreg/pkg/profile"
	"github.com/openebl/idsreg/pkg/secchan"
	"github.com/sirupsen/logrus"
)

// RejectToken is sent by the server, in place of the signed certificate, when
// the operator declines a request.
const RejectToken = "NOK"

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type RegisterRequest struct {
	Profile        *profile.Profile `json:"-"`
	ManagerAddress string           `json:"manager_address"` // host[:port]
	Permission     model.Permission `json:"permission"`
	Password       string           `json:"-"`
}

// Client registers a local profile with a remote manager.
type Client struct {
	store    *credential.Store
	settings config.ClientSettings
	dial     DialFunc
}

type ClientOption func(c *Client)

func WithStore(store *credential.Store) ClientOption {
	return func(c *Client) {
		c.store = store
	}
}

func WithClientSettings(settings config.ClientSettings) ClientOption {
	return func(c *Client) {
		c.settings = settings
	}
}

// WithDialer replaces the TCP dialer, mostly for tests.
func WithDialer(dial DialFunc) ClientOption {
	return func(c *Client) {
		c.dial = dial
	}
}

func NewClient(options ...ClientOption) *Client {
	c := &Client{
		store:    credential.NewStore(),
		settings: config.Default().Client,
	}
	for _, option := range options {
		option(c)
	}
	if c.dial == nil {
		dialer := &net.Dialer{Timeout: c.settings.DialTimeout}
		c.dial = dialer.DialContext
	}
	return c
}

// Register sends a signing request for the profile to the manager and stores
// the certificate it gets back together with the manager's authority
// certificate. Nothing is persisted unless the whole exchange succeeds and the
// certificate chains to the received authority.
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	if err := ValidateRegisterRequest(req); err != nil {
		return err
	}
	p := req.Profile

	address, err := ParseAddress(req.ManagerAddress, config.DefaultRegistrationPort)
	if err != nil {
		return err
	}

	key, err := c.store.LoadOrGeneratePrivateKey(p)
	if err != nil {
		return err
	}
	crq, err := c.store.CertAuthority().GenerateSigningRequest(cert_authority.GenerateSigningRequestRequest{
		AnalyzerID: p.AnalyzerID(),
		Key:        key,
		Permission: req.Permission,
	})
	if err != nil {
		return err
	}

	t := newTracker("client", address)
	conn, err := c.connect(ctx, address)
	if err != nil {
		return t.fail(err)
	}
	defer conn.Close()

	t.enter(StateAuthenticating)
	ch, err := secchan.Client(ctx, conn, req.Password,
		secchan.WithHandshakeTimeout(c.settings.HandshakeTimeout),
		secchan.WithIOTimeout(c.settings.IOTimeout),
	)
	if err != nil {
		return t.fail(err)
	}

	t.enter(StateSendingRequest)
	logrus.Debugf("sending signing request for analyzer %s (permission %q)", p.AnalyzerID(), req.Permission)
	if err := ch.WriteMessage(crq); err != nil {
		return t.fail(err)
	}

	t.enter(StateExchangingCertificates)
	logrus.Info("waiting for the manager to sign the request")
	leafPEM, err := ch.ReadMessage()
	if err != nil {
		return t.fail(err)
	}
	if bytes.Equal(leafPEM, []byte(RejectToken)) {
		return t.fail(fmt.Errorf("registration declined by %s: %w", address, model.ErrRejected))
	}
	leaf, err := checkIssuedCertificate(leafPEM, p.AnalyzerID(), key)
	if err != nil {
		return t.fail(err)
	}

	caPEM, err := ch.ReadMessage()
	if err != nil {
		return t.fail(err)
	}
	caCert, err := idspkix.ParseCertificate(caPEM)
	if err != nil {
		return t.fail(fmt.Errorf("fail to parse authority certificate: %s: %w", err.Error(), model.ErrCertificate))
	}
	if err := idspkix.VerifyLeaf(leaf, []*x509.Certificate{caCert}, leaf.NotBefore); err != nil {
		return t.fail(fmt.Errorf("received certificate does not chain to the received authority: %s: %w", err.Error(), model.ErrCertificate))
	}

	if err := c.store.SaveCertificate(p, p.ClientKeyCertFile(), leafPEM); err != nil {
		return t.fail(err)
	}
	if err := c.store.SaveCertificate(p, p.ClientTrustedCertFile(), caPEM); err != nil {
		return t.fail(err)
	}

	t.enter(StateDone)
	issuer, _ := cert_authority.AnalyzerIDOf(leaf.Issuer)
	logrus.Infof("analyzer %s registered with manager %s at %s", p.AnalyzerID(), issuer, address)
	return nil
}

// connect dials address, retrying transport failures.
func (c *Client) connect(ctx context.Context, address string) (net.Conn, error) {
	var conn net.Conn
	attempts := c.settings.DialAttempts
	if attempts == 0 {
		attempts = 1
	}

	err := retry.Do(
		func() error {
			var err error
			conn, err = c.dial(ctx, "tcp", address)
			if err != nil {
				logrus.Debugf("connect to %s: %v", address, err)
				return err
			}
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(c.settings.DialRetryDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, errors.Join(ctx.Err(), model.ErrTransport))
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %s: %w", address, err.Error(), model.ErrTransport)
	}
	logrus.Debugf("connected to %s", conn.RemoteAddr())
	return conn, nil
}

// checkIssuedCertificate makes sure the manager signed our own request: same
// analyzer id and same key.
func checkIssuedCertificate(certPEM []byte, id model.AnalyzerID, key crypto.Signer) (*x509.Certificate, error) {
	cert, err := idspkix.ParseCertificate(certPEM)
	if err != nil {
		return nil, fmt.Errorf("fail to parse issued certificate: %s: %w", err.Error(), model.ErrCertificate)
	}

	subject, ok := cert_authority.AnalyzerIDOf(cert.Subject)
	if !ok || subject != id {
		return nil, fmt.Errorf("issued certificate is for analyzer %s, not %s: %w", subject, id, model.ErrCertificate)
	}
	pub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(key.Public()) {
		return nil, fmt.Errorf("issued certificate does not carry the profile key: %w", model.ErrCertificate)
	}
	return cert, nil
}
