package secchan_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/openebl/idsreg/pkg/model"
	"github.com/openebl/idsreg/pkg/secchan"
	"github.com/openebl/idsreg/pkg/wire"
	"github.com/stretchr/testify/suite"
)

type SecureChannelTestSuite struct {
	suite.Suite

	ctx        context.Context
	clientConn net.Conn
	serverConn net.Conn
}

type handshakeResult struct {
	ch  *secchan.Channel
	err error
}

func TestSecureChannelTestSuite(t *testing.T) {
	suite.Run(t, new(SecureChannelTestSuite))
}

func (s *SecureChannelTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clientConn, s.serverConn = net.Pipe()
}

func (s *SecureChannelTestSuite) TearDownTest() {
	s.clientConn.Close()
	s.serverConn.Close()
}

// startServer runs the server handshake and closes the server side on failure,
// as the registration server does.
func (s *SecureChannelTestSuite) startServer(password string) <-chan handshakeResult {
	result := make(chan handshakeResult, 1)
	go func() {
		ch, err := secchan.Server(s.ctx, s.serverConn, password, secchan.WithHandshakeTimeout(10*time.Second))
		if err != nil {
			s.serverConn.Close()
		}
		result <- handshakeResult{ch: ch, err: err}
	}()
	return result
}

func (s *SecureChannelTestSuite) TestMatchingPassword() {
	serverResult := s.startServer("abcd1234")

	client, err := secchan.Client(s.ctx, s.clientConn, "abcd1234", secchan.WithIOTimeout(10*time.Second))
	s.Require().NoError(err)
	srv := <-serverResult
	s.Require().NoError(srv.err)

	go func() {
		msg, err := srv.ch.ReadMessage()
		if err != nil {
			return
		}
		_ = srv.ch.WriteMessage(append([]byte("echo:"), msg...))
	}()

	s.Require().NoError(client.WriteMessage([]byte("certificate request")))
	reply, err := client.ReadMessage()
	s.Require().NoError(err)
	s.Require().Equal("echo:certificate request", string(reply))
}

func (s *SecureChannelTestSuite) TestWrongPassword() {
	serverResult := s.startServer("abcd1234")

	_, err := secchan.Client(s.ctx, s.clientConn, "wrong999")
	s.Require().ErrorIs(err, model.ErrAuthentication)

	srv := <-serverResult
	s.Require().ErrorIs(srv.err, model.ErrAuthentication)
	s.Require().Nil(srv.ch)
}

func (s *SecureChannelTestSuite) TestGarbageHello() {
	serverResult := s.startServer("abcd1234")

	s.Require().NoError(wire.WriteFramed(s.clientConn, []byte("GET / HTTP/1.0\r\n\r\n")))

	srv := <-serverResult
	s.Require().ErrorIs(srv.err, model.ErrHandshake)
}

func (s *SecureChannelTestSuite) TestMalformedHello() {
	bodies := []string{
		`null`,
		`{}`,
		`[1,2]`,
		`{"Role":0}`,
		`{"Role":"0","Xᵤ":1,"Xᵥ":2}`,
		`{"Role":0,"Xᵤ":1}`,
		`{"Role":0,"Xᵤ":null,"Xᵥ":2}`,
		`{"Role":0,"Xᵤ":1,"Xᵥ":2}`,
		`{"Role":1,"Yᵤ":1,"Yᵥ":2}`,
	}
	for _, body := range bodies {
		s.clientConn, s.serverConn = net.Pipe()
		serverResult := s.startServer("abcd1234")

		s.Require().NoError(wire.WriteFramed(s.clientConn, []byte("IDSREG1\x00"+body)), body)

		srv := <-serverResult
		s.Require().ErrorIs(srv.err, model.ErrHandshake, body)
		s.Require().Nil(srv.ch, body)
		s.clientConn.Close()
	}
}

func (s *SecureChannelTestSuite) TestMalformedServerHello() {
	go func() {
		if _, err := wire.ReadFramed(s.serverConn); err != nil {
			return
		}
		_ = wire.WriteFramed(s.serverConn, []byte("IDSREG1\x00"+`{"Role":1,"Yᵤ":1}`))
	}()

	_, err := secchan.Client(s.ctx, s.clientConn, "abcd1234", secchan.WithHandshakeTimeout(10*time.Second))
	s.Require().ErrorIs(err, model.ErrHandshake)
}

func (s *SecureChannelTestSuite) TestEmptyPassword() {
	_, err := secchan.Client(s.ctx, s.clientConn, "")
	s.Require().ErrorIs(err, model.ErrInvalidParameter)
}

func (s *SecureChannelTestSuite) TestHandshakeTimeout() {
	// Nobody answers on the other end of the pipe.
	_, err := secchan.Client(s.ctx, s.clientConn, "abcd1234", secchan.WithHandshakeTimeout(50*time.Millisecond))
	s.Require().ErrorIs(err, model.ErrTransport)
}

func (s *SecureChannelTestSuite) TestCancelledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := secchan.Client(ctx, s.clientConn, "abcd1234")
	s.Require().ErrorIs(err, context.Canceled)
}

func (s *SecureChannelTestSuite) TestMessageTooLarge() {
	serverResult := s.startServer("abcd1234")

	client, err := secchan.Client(s.ctx, s.clientConn, "abcd1234")
	s.Require().NoError(err)
	s.Require().NoError((<-serverResult).err)

	err = client.WriteMessage(make([]byte, wire.MaxFrameSize))
	s.Require().ErrorIs(err, model.ErrMessageTooLarge)
}
