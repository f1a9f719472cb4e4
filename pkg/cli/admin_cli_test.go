package cli_test

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/openebl/idsreg/pkg/cli"
	"github.com/openebl/idsreg/pkg/model"
	"github.com/stretchr/testify/suite"
)

const testConfig = `
client:
  dial_attempts: 50
  dial_timeout: 2s
  dial_retry_delay: 100ms
  handshake_timeout: 5s
  io_timeout: 10s
registration_server:
  port: 5553
  handshake_timeout: 5s
  io_timeout: 10s
  failed_auth_interval: 10ms
  failed_auth_burst: 3
`

type AdminCliTestSuite struct {
	suite.Suite
	dir  string
	base []string
}

func TestAdminCliTestSuite(t *testing.T) {
	suite.Run(t, new(AdminCliTestSuite))
}

func (s *AdminCliTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	configPath := filepath.Join(s.dir, "idsreg.yaml")
	s.Require().NoError(os.WriteFile(configPath, []byte(testConfig), 0600))

	s.base = []string{
		"--config", configPath,
		"--profile-root", filepath.Join(s.dir, "profile"),
		"--spool-dir", filepath.Join(s.dir, "spool"),
		"--key-len", "1024",
	}
}

func (s *AdminCliTestSuite) run(input string, args ...string) (string, error) {
	out := &bytes.Buffer{}
	console := cli.NewConsole(strings.NewReader(input), out)
	app := cli.App{}
	err := app.Execute(append(append([]string{}, s.base...), args...), console)
	return out.String(), err
}

func (s *AdminCliTestSuite) list() []cli.ProfileSummary {
	out, err := s.run("", "list", "--json")
	s.Require().NoError(err)

	var summaries []cli.ProfileSummary
	s.Require().NoError(json.Unmarshal([]byte(out), &summaries))
	return summaries
}

func (s *AdminCliTestSuite) TestAddRenameDelete() {
	out, err := s.run("", "add", "sensor")
	s.Require().NoError(err)
	s.Require().Contains(out, "Created profile 'sensor' with analyzerID '")
	s.Require().Contains(out, "Generating 1024 bits RSA private key")
	for _, path := range []string{"tls/keys/sensor", "tls/server/sensor.ca", "tls/server/sensor.keycrt", "analyzerid/sensor"} {
		s.Require().FileExists(filepath.Join(s.dir, "profile", path))
	}
	s.Require().DirExists(filepath.Join(s.dir, "spool", "sensor"))

	_, err = s.run("", "add", "sensor")
	s.Require().ErrorIs(err, model.ErrProfileExists)

	summaries := s.list()
	s.Require().Len(summaries, 1)
	s.Require().Equal("sensor", summaries[0].Name)
	s.Require().True(summaries[0].Authority)
	s.Require().Empty(summaries[0].Issuers)
	id := summaries[0].AnalyzerID

	_, err = s.run("", "rename", "sensor", "nids")
	s.Require().NoError(err)
	summaries = s.list()
	s.Require().Len(summaries, 1)
	s.Require().Equal("nids", summaries[0].Name)
	s.Require().Equal(id, summaries[0].AnalyzerID)

	out, err = s.run("", "del", "missing", "nids")
	s.Require().ErrorIs(err, model.ErrProfileNotFound)
	s.Require().Contains(out, "Successfully deleted analyzer profile 'nids'.")
	s.Require().Empty(s.list())
	s.Require().NoFileExists(filepath.Join(s.dir, "profile", "tls/keys/nids"))
}

func (s *AdminCliTestSuite) TestRevokeAndPrintCRL() {
	_, err := s.run("", "add", "manager")
	s.Require().NoError(err)

	out, err := s.run("", "print-crl", "manager")
	s.Require().NoError(err)
	s.Require().Contains(out, "has not revoked any analyzer")

	out, err = s.run("", "revoke", "manager", "42")
	s.Require().NoError(err)
	s.Require().Contains(out, "Analyzer '42' revoked")

	out, err = s.run("", "revoke", "manager", "42")
	s.Require().NoError(err)
	s.Require().Contains(out, "already revoked")

	out, err = s.run("", "print-crl", "manager")
	s.Require().NoError(err)
	s.Require().Contains(out, "Revocation list #1")
	s.Require().Contains(out, "analyzerID=42 ")

	summaries := s.list()
	s.Require().Len(summaries, 1)
	s.Require().Equal(1, summaries[0].Revoked)

	_, err = s.run("", "revoke", "manager", "abc")
	s.Require().ErrorIs(err, model.ErrInvalidParameter)
	_, err = s.run("", "revoke", "nobody", "42")
	s.Require().ErrorIs(err, model.ErrProfileNotFound)
}

func (s *AdminCliTestSuite) TestChown() {
	_, err := s.run("", "add", "sensor")
	s.Require().NoError(err)

	_, err = s.run("", "chown", "sensor")
	s.Require().ErrorIs(err, model.ErrInvalidParameter)

	out, err := s.run("", "--uid", strconv.Itoa(os.Getuid()), "chown", "sensor")
	s.Require().NoError(err)
	s.Require().Contains(out, "Changed owner of analyzer profile 'sensor'")
}

func (s *AdminCliTestSuite) TestInvalidArguments() {
	_, err := s.run("", "frobnicate")
	s.Require().ErrorIs(err, model.ErrInvalidParameter)

	_, err = s.run("", "registration-server", "manager", "--prompt", "--passwd", "abcd1234")
	s.Require().ErrorIs(err, model.ErrInvalidParameter)

	_, err = s.run("", "register", "sensor", "idmef:x", "127.0.0.1", "--passwd", "abcd1234")
	s.Require().ErrorIs(err, model.ErrInvalidParameter)

	_, err = s.run("", "add", "../escape")
	s.Require().ErrorIs(err, model.ErrInvalidParameter)
}

// The server reads its password from standard input, which also turns off the
// interactive confirmation, and stops after the first registration.
func (s *AdminCliTestSuite) TestRegistration() {
	_, err := s.run("", "add", "manager")
	s.Require().NoError(err)
	managerID := s.list()[0].AnalyzerID

	l, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	port := strconv.Itoa(l.Addr().(*net.TCPAddr).Port)
	s.Require().NoError(l.Close())

	type served struct {
		out string
		err error
	}
	done := make(chan served, 1)
	go func() {
		out, err := s.run("abcd1234\n", "registration-server", "manager", "--passwd-file", "-", "--listen", "127.0.0.1", "--port", port)
		done <- served{out: out, err: err}
	}()

	passwdFile := filepath.Join(s.dir, "passwd")
	s.Require().NoError(os.WriteFile(passwdFile, []byte("abcd1234\n"), 0600))
	out, err := s.run("", "register", "sensor", "idmef:w admin:r", "127.0.0.1:"+port, "--passwd-file", passwdFile)
	s.Require().NoError(err)
	s.Require().Contains(out, "Successful registration to 127.0.0.1:"+port+".")

	server := <-done
	s.Require().NoError(server.err)
	s.Require().Contains(server.out, "Waiting for peers install request")

	summaries := s.list()
	s.Require().Len(summaries, 2)
	s.Require().Equal("sensor", summaries[1].Name)
	s.Require().Equal([]string{managerID}, summaries[1].Issuers)
	s.Require().FileExists(filepath.Join(s.dir, "profile", "tls/client/sensor.trusted"))
}
