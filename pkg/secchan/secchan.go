// Package secchan turns a raw connection into an encrypted, mutually authenticated
// message channel keyed by a low-entropy one-shot password.
//
// Both ends run SPAKE2 over P-256 on the password, so an eavesdropper or a peer
// with the wrong password learns nothing that allows an offline guess. The session
// key is expanded with HKDF into one ChaCha20-Poly1305 key per direction and
// confirmed before any registration data flows.
package secchan

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/goccy/go-json"
	"github.com/openebl/idsreg/pkg/model"
	"github.com/openebl/idsreg/pkg/wire"
	"github.com/schollz/pake/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	helloMagic  = "IDSREG1\x00"
	pakeCurve   = "p256"
	kdfInfo     = "idsreg/secchan/v1"
	statusOK    = "OK"
	confirmWord = "CONFIRM"

	roleClient = 0
	roleServer = 1

	DefaultHandshakeTimeout = 30 * time.Second
)

// Channel is an established secure channel. It is not safe for concurrent use by
// multiple readers or multiple writers.
type Channel struct {
	conn      net.Conn
	codec     wire.Codec
	ioTimeout time.Duration
	send      *cipherState
	recv      *cipherState
}

type Option func(o *options)

type options struct {
	handshakeTimeout time.Duration
	ioTimeout        time.Duration
	maxMessageSize   int
}

// WithHandshakeTimeout bounds the whole key exchange, key confirmation included.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = d
	}
}

// WithIOTimeout bounds every ReadMessage and WriteMessage after the handshake.
// Zero disables the per-message deadline.
func WithIOTimeout(d time.Duration) Option {
	return func(o *options) {
		o.ioTimeout = d
	}
}

func WithMaxMessageSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

func newOptions(opts []Option) options {
	o := options{
		handshakeTimeout: DefaultHandshakeTimeout,
		maxMessageSize:   wire.MaxFrameSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxMessageSize <= 0 || o.maxMessageSize > wire.MaxFrameSize {
		o.maxMessageSize = wire.MaxFrameSize
	}
	return o
}

// Client runs the initiator side of the handshake on conn.
func Client(ctx context.Context, conn net.Conn, password string, opts ...Option) (*Channel, error) {
	return handshake(ctx, conn, password, roleClient, newOptions(opts))
}

// Server runs the responder side of the handshake on conn.
func Server(ctx context.Context, conn net.Conn, password string, opts ...Option) (*Channel, error) {
	return handshake(ctx, conn, password, roleServer, newOptions(opts))
}

func handshake(ctx context.Context, conn net.Conn, password string, role int, o options) (*Channel, error) {
	if password == "" {
		return nil, fmt.Errorf("empty one-shot password: %w", model.ErrInvalidParameter)
	}

	if o.handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(o.handshakeTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	ch := &Channel{
		conn:      conn,
		codec:     wire.Codec{MaxSize: o.maxMessageSize},
		ioTimeout: o.ioTimeout,
	}

	var err error
	if role == roleClient {
		err = ch.clientHandshake(password)
	} else {
		err = ch.serverHandshake(password)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	return ch, nil
}

func (c *Channel) clientHandshake(password string) error {
	p, err := pake.InitCurve([]byte(password), roleClient, pakeCurve)
	if err != nil {
		return fmt.Errorf("fail to init key exchange: %s: %w", err.Error(), model.ErrHandshake)
	}

	clientHello := append([]byte(helloMagic), p.Bytes()...)
	if err := c.codec.WriteFramed(c.conn, clientHello); err != nil {
		return err
	}

	serverHello, err := c.codec.ReadFramed(c.conn)
	if err != nil {
		return err
	}
	peerMsg, err := stripMagic(serverHello)
	if err != nil {
		return err
	}
	if err := updatePeer(p, peerMsg, roleServer); err != nil {
		return fmt.Errorf("fail to process server key exchange: %w", err)
	}
	sessionKey, err := p.SessionKey()
	if err != nil {
		return fmt.Errorf("fail to derive session key: %s: %w", err.Error(), model.ErrHandshake)
	}
	if err := c.deriveCiphers(sessionKey, clientHello, serverHello, roleClient); err != nil {
		return err
	}

	logrus.Debug("key exchange done, confirming one-shot password")
	if err := c.writeSealed([]byte(confirmWord)); err != nil {
		return err
	}
	status, err := c.readSealed()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, model.ErrAuthentication) {
			return fmt.Errorf("server refused the one-shot password: %w", errors.Join(model.ErrAuthentication, err))
		}
		return err
	}
	if string(status) != statusOK {
		return fmt.Errorf("unexpected authentication status %q: %w", status, model.ErrAuthentication)
	}
	return nil
}

func (c *Channel) serverHandshake(password string) error {
	clientHello, err := c.codec.ReadFramed(c.conn)
	if err != nil {
		return err
	}
	peerMsg, err := stripMagic(clientHello)
	if err != nil {
		return err
	}

	p, err := pake.InitCurve([]byte(password), roleServer, pakeCurve)
	if err != nil {
		return fmt.Errorf("fail to init key exchange: %s: %w", err.Error(), model.ErrHandshake)
	}
	if err := updatePeer(p, peerMsg, roleClient); err != nil {
		return fmt.Errorf("fail to process client key exchange: %w", err)
	}

	serverHello := append([]byte(helloMagic), p.Bytes()...)
	if err := c.codec.WriteFramed(c.conn, serverHello); err != nil {
		return err
	}
	sessionKey, err := p.SessionKey()
	if err != nil {
		return fmt.Errorf("fail to derive session key: %s: %w", err.Error(), model.ErrHandshake)
	}
	if err := c.deriveCiphers(sessionKey, clientHello, serverHello, roleServer); err != nil {
		return err
	}

	confirm, err := c.readSealed()
	if err != nil {
		return err
	}
	if string(confirm) != confirmWord {
		return fmt.Errorf("unexpected key confirmation: %w", model.ErrAuthentication)
	}
	return c.writeSealed([]byte(statusOK))
}

func stripMagic(hello []byte) ([]byte, error) {
	if !bytes.HasPrefix(hello, []byte(helloMagic)) {
		return nil, fmt.Errorf("peer did not speak the registration protocol: %w", model.ErrHandshake)
	}
	return hello[len(helloMagic):], nil
}

// updatePeer feeds the key exchange message of a peer holding peerRole to p. The
// message is rebuilt from its role and point only, so pake never sees a null or
// partial point.
func updatePeer(p *pake.Pake, msg []byte, peerRole int) (err error) {
	canonical, err := canonicalHello(msg, peerRole)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed key exchange: %v: %w", r, model.ErrHandshake)
		}
	}()
	if err := p.Update(canonical); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), model.ErrHandshake)
	}
	return nil
}

func canonicalHello(msg []byte, peerRole int) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return nil, fmt.Errorf("malformed key exchange: %s: %w", err.Error(), model.ErrHandshake)
	}

	rawRole, ok := fields["Role"]
	if !ok {
		return nil, fmt.Errorf("key exchange without role: %w", model.ErrHandshake)
	}
	var role int
	if err := json.Unmarshal(rawRole, &role); err != nil || role != peerRole {
		return nil, fmt.Errorf("key exchange from unexpected role %s: %w", rawRole, model.ErrHandshake)
	}

	// The client publishes X and the server publishes Y.
	xKey, yKey := "Xᵤ", "Xᵥ"
	if peerRole == roleServer {
		xKey, yKey = "Yᵤ", "Yᵥ"
	}
	x, err := coordinate(fields, xKey)
	if err != nil {
		return nil, err
	}
	y, err := coordinate(fields, yKey)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{"Role": role, xKey: x, yKey: y})
}

func coordinate(fields map[string]json.RawMessage, key string) (*big.Int, error) {
	var v *big.Int
	if raw, ok := fields[key]; ok {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("malformed %s coordinate: %s: %w", key, err.Error(), model.ErrHandshake)
		}
	}
	if v == nil {
		return nil, fmt.Errorf("key exchange without %s coordinate: %w", key, model.ErrHandshake)
	}
	return v, nil
}

// deriveCiphers expands the SPAKE2 session key bound to the handshake transcript
// into a client-to-server and a server-to-client key.
func (c *Channel) deriveCiphers(sessionKey, clientHello, serverHello []byte, role int) error {
	transcript := sha256.New()
	transcript.Write(clientHello)
	transcript.Write(serverHello)

	kdf := hkdf.New(sha256.New, sessionKey, transcript.Sum(nil), []byte(kdfInfo))
	keys := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return fmt.Errorf("fail to expand session key: %s: %w", err.Error(), model.ErrHandshake)
	}

	clientToServer, err := newCipherState(keys[:chacha20poly1305.KeySize])
	if err != nil {
		return err
	}
	serverToClient, err := newCipherState(keys[chacha20poly1305.KeySize:])
	if err != nil {
		return err
	}

	if role == roleClient {
		c.send, c.recv = clientToServer, serverToClient
	} else {
		c.send, c.recv = serverToClient, clientToServer
	}
	return nil
}

// WriteMessage seals msg and writes it as one frame.
func (c *Channel) WriteMessage(msg []byte) error {
	if c.ioTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.writeSealed(msg)
}

// ReadMessage reads one frame and opens it.
func (c *Channel) ReadMessage() ([]byte, error) {
	if c.ioTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	msg, err := c.readSealed()
	if errors.Is(err, model.ErrAuthentication) {
		return nil, fmt.Errorf("message failed integrity check: %w", errors.Join(err, model.ErrTransport))
	}
	return msg, err
}

func (c *Channel) writeSealed(msg []byte) error {
	if len(msg)+chacha20poly1305.Overhead > c.codec.MaxSize {
		return fmt.Errorf("message of %d bytes does not fit in a frame: %w", len(msg), model.ErrMessageTooLarge)
	}
	sealed, err := c.send.seal(msg)
	if err != nil {
		return err
	}
	return c.codec.WriteFramed(c.conn, sealed)
}

func (c *Channel) readSealed() ([]byte, error) {
	sealed, err := c.codec.ReadFramed(c.conn)
	if err != nil {
		return nil, err
	}
	return c.recv.open(sealed)
}

func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Channel) Close() error {
	return c.conn.Close()
}

// cipherState seals one direction of the channel with a counter nonce.
type cipherState struct {
	aead  cipher.AEAD
	nonce uint64
}

func newCipherState(key []byte) (*cipherState, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("fail to create cipher: %s: %w", err.Error(), model.ErrHandshake)
	}
	return &cipherState{aead: aead}, nil
}

func (s *cipherState) nextNonce() ([]byte, error) {
	if s.nonce == ^uint64(0) {
		return nil, fmt.Errorf("nonce space exhausted: %w", model.ErrTransport)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], s.nonce)
	s.nonce++
	return nonce, nil
}

func (s *cipherState) seal(plaintext []byte) ([]byte, error) {
	nonce, err := s.nextNonce()
	if err != nil {
		return nil, err
	}
	return s.aead.Seal(nil, nonce, plaintext, nil), nil
}

func (s *cipherState) open(ciphertext []byte) ([]byte, error) {
	nonce, err := s.nextNonce()
	if err != nil {
		return nil, err
	}
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("fail to open sealed frame: %w", model.ErrAuthentication)
	}
	return plaintext, nil
}
