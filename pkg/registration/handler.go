package registration

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/openebl/idsreg/pkg/cert_authority"
	"github.com/openebl/idsreg/pkg/model"
	idspkix "github.com/openebl/idsreg/pkg/pkix"
	"github.com/openebl/idsreg/pkg/profile"
	"github.com/openebl/idsreg/pkg/secchan"
	"github.com/sirupsen/logrus"
)

// Result describes one handled registration, successful or not. Fields are
// filled as far as the exchange got.
type Result struct {
	Peer        string            `json:"peer"`
	AnalyzerID  model.AnalyzerID  `json:"analyzer_id"`
	Permission  model.Permission  `json:"permission"`
	Certificate *x509.Certificate `json:"-"`
}

// Handler serves the manager side of one registration connection. It holds
// read-only state and may be reused for any number of connections.
type Handler struct {
	profile  *profile.Profile
	caKey    crypto.Signer
	caCert   *x509.Certificate
	password string

	ca               cert_authority.CertAuthority
	confirmer        Confirmer
	lifetimeDays     int
	handshakeTimeout time.Duration
	ioTimeout        time.Duration
}

type HandlerOption func(h *Handler)

func WithConfirmer(confirmer Confirmer) HandlerOption {
	return func(h *Handler) {
		h.confirmer = confirmer
	}
}

func WithCertAuthority(ca cert_authority.CertAuthority) HandlerOption {
	return func(h *Handler) {
		h.ca = ca
	}
}

// WithCertificateLifetime sets the validity of issued certificates in days, 0
// meaning no expiry.
func WithCertificateLifetime(days int) HandlerOption {
	return func(h *Handler) {
		h.lifetimeDays = days
	}
}

func WithTimeouts(handshake, io time.Duration) HandlerOption {
	return func(h *Handler) {
		h.handshakeTimeout = handshake
		h.ioTimeout = io
	}
}

func NewHandler(p *profile.Profile, caKey crypto.Signer, caCert *x509.Certificate, password string, options ...HandlerOption) (*Handler, error) {
	h := &Handler{
		profile:          p,
		caKey:            caKey,
		caCert:           caCert,
		password:         password,
		ca:               cert_authority.NewCertAuthority(),
		confirmer:        AutoConfirm,
		handshakeTimeout: secchan.DefaultHandshakeTimeout,
	}
	for _, option := range options {
		option(h)
	}
	if err := ValidateHandler(h); err != nil {
		return nil, err
	}
	return h, nil
}

// Handle runs the whole exchange on conn and closes it. A declined request
// returns ErrRejected after the peer has been told.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) (Result, error) {
	defer conn.Close()

	result := Result{Peer: conn.RemoteAddr().String()}
	t := newTracker("server", result.Peer)

	t.enter(StateAuthenticating)
	ch, err := secchan.Server(ctx, conn, h.password,
		secchan.WithHandshakeTimeout(h.handshakeTimeout),
		secchan.WithIOTimeout(h.ioTimeout),
	)
	if err != nil {
		return result, t.fail(err)
	}

	t.enter(StateAwaitingRequest)
	crq, err := ch.ReadMessage()
	if err != nil {
		return result, t.fail(err)
	}
	req, err := h.ca.ParseSigningRequest(crq)
	if err != nil {
		return result, t.fail(err)
	}
	result.AnalyzerID = req.AnalyzerID
	result.Permission = req.Permission

	approved, err := h.confirmer.Confirm(ctx, req)
	if err != nil {
		return result, t.fail(fmt.Errorf("confirmation failed: %w", err))
	}
	if !approved {
		if err := ch.WriteMessage([]byte(RejectToken)); err != nil {
			logrus.Warnf("could not notify %s of the rejection: %v", result.Peer, err)
		}
		return result, t.fail(fmt.Errorf("registration of analyzer %s declined: %w", req.AnalyzerID, model.ErrRejected))
	}

	cert, err := h.ca.SignCertificateRequest(cert_authority.SignCertificateRequestRequest{
		CertificateRequest: crq,
		CACert:             h.caCert,
		CAKey:              h.caKey,
		LifetimeDays:       h.lifetimeDays,
	})
	if err != nil {
		return result, t.fail(err)
	}
	result.Certificate = cert

	t.enter(StateExchangingCertificates)
	if err := ch.WriteMessage(idspkix.MarshalCertificates(cert)); err != nil {
		return result, t.fail(err)
	}
	if err := ch.WriteMessage(idspkix.MarshalCertificates(h.caCert)); err != nil {
		return result, t.fail(err)
	}

	t.enter(StateDone)
	logrus.Infof("profile %q registered analyzer %s from %s with permission %q", h.profile.Name(), req.AnalyzerID, result.Peer, req.Permission)
	return result, nil
}
