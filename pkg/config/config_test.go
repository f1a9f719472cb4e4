package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openebl/idsreg/pkg/config"
	"github.com/openebl/idsreg/pkg/model"
	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
	dir string
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
}

func (s *ConfigTestSuite) writeConfig(content string) string {
	path := filepath.Join(s.dir, "idsreg.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0600))
	return path
}

func (s *ConfigTestSuite) TestLoadDefaults() {
	cfg, err := config.Load("")
	s.Require().NoError(err)
	s.Require().Equal(config.Default(), cfg)
	s.Require().Equal(2048, cfg.TLS.GeneratedKeySize)
	s.Require().Equal(0, cfg.TLS.GeneratedCertificateLifetime)
	s.Require().Equal(5553, cfg.Server.Port)
	s.Require().Equal(30*time.Second, cfg.Client.HandshakeTimeout)
}

func (s *ConfigTestSuite) TestLoadOverridesWithEnvironment() {
	s.T().Setenv("IDSREG_TEST_ROOT", "/srv/ids")
	s.T().Setenv("IDSREG_TEST_PORT", "6553")

	path := s.writeConfig(`
profile_root: "{{ .IDSREG_TEST_ROOT }}/profile"
spool_dir: "${IDSREG_TEST_ROOT}/spool"
tls:
  generated_key_size: 4096
  generated_certificate_lifetime: 365
registration_server:
  port: {{ .IDSREG_TEST_PORT }}
  handshake_timeout: 5s
`)

	cfg, err := config.Load(path)
	s.Require().NoError(err)
	s.Require().Equal("/srv/ids/profile", cfg.ProfileRoot)
	s.Require().Equal("/srv/ids/spool", cfg.SpoolDir)
	s.Require().Equal(4096, cfg.TLS.GeneratedKeySize)
	s.Require().Equal(365, cfg.TLS.GeneratedCertificateLifetime)
	s.Require().Equal(0, cfg.TLS.AuthorityCertificateLifetime)
	s.Require().Equal(6553, cfg.Server.Port)
	s.Require().Equal(5*time.Second, cfg.Server.HandshakeTimeout)
	// Untouched sections keep their defaults.
	s.Require().Equal(config.Default().Client, cfg.Client)

	path = s.writeConfig("client:\n  handshake_timeout: 750ms\n  io_timeout: 1h\n")
	cfg, err = config.Load(path)
	s.Require().NoError(err)
	s.Require().Equal(750*time.Millisecond, cfg.Client.HandshakeTimeout)
	s.Require().Equal(time.Hour, cfg.Client.IOTimeout)
	s.Require().Equal(config.Default().Client.DialAttempts, cfg.Client.DialAttempts)
}

func (s *ConfigTestSuite) TestLoadInvalid() {
	path := s.writeConfig("tls:\n  generated_key_size: 100\n")
	_, err := config.Load(path)
	s.Require().ErrorIs(err, model.ErrInvalidParameter)

	path = s.writeConfig("registration_server:\n  port: 70000\n")
	_, err = config.Load(path)
	s.Require().ErrorIs(err, model.ErrInvalidParameter)

	path = s.writeConfig("client:\n  handshake_timeout: -1s\n")
	_, err = config.Load(path)
	s.Require().ErrorIs(err, model.ErrInvalidParameter)

	_, err = config.Load(filepath.Join(s.dir, "missing.yaml"))
	s.Require().Error(err)
}
