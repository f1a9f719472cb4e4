package config

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/openebl/idsreg/pkg/model"
)

const (
	DefaultRegistrationPort = 5553
	DefaultProfileRoot      = "/etc/idsreg"
	DefaultSpoolDir         = "/var/spool/idsreg"
)

// TLSSettings controls key and certificate generation. Lifetimes are in days and
// zero means the certificate never expires.
type TLSSettings struct {
	GeneratedKeySize             int `yaml:"generated_key_size"`
	AuthorityCertificateLifetime int `yaml:"authority_certificate_lifetime"`
	GeneratedCertificateLifetime int `yaml:"generated_certificate_lifetime"`
}

type ServerSettings struct {
	ListenAddress    string        `yaml:"listen_address"` // Empty means every local address.
	Port             int           `yaml:"port"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IOTimeout        time.Duration `yaml:"io_timeout"`

	// Failed authentications are throttled to one every FailedAuthInterval with
	// bursts of FailedAuthBurst.
	FailedAuthInterval time.Duration `yaml:"failed_auth_interval"`
	FailedAuthBurst    int           `yaml:"failed_auth_burst"`
}

type ClientSettings struct {
	DialAttempts     uint          `yaml:"dial_attempts"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	DialRetryDelay   time.Duration `yaml:"dial_retry_delay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IOTimeout        time.Duration `yaml:"io_timeout"`
}

type AdminConfig struct {
	ProfileRoot  string         `yaml:"profile_root"`
	SpoolDir     string         `yaml:"spool_dir"`
	TLS          TLSSettings    `yaml:"tls"`
	Server       ServerSettings `yaml:"registration_server"`
	Client       ClientSettings `yaml:"client"`
	OTLPEndpoint string         `yaml:"otlp_endpoint"`
}

func DefaultTLSSettings() TLSSettings {
	return TLSSettings{
		GeneratedKeySize:             2048,
		AuthorityCertificateLifetime: 0,
		GeneratedCertificateLifetime: 0,
	}
}

func Default() AdminConfig {
	return AdminConfig{
		ProfileRoot: DefaultProfileRoot,
		SpoolDir:    DefaultSpoolDir,
		TLS:         DefaultTLSSettings(),
		Server: ServerSettings{
			Port:               DefaultRegistrationPort,
			HandshakeTimeout:   30 * time.Second,
			IOTimeout:          2 * time.Minute,
			FailedAuthInterval: 2 * time.Second,
			FailedAuthBurst:    3,
		},
		Client: ClientSettings{
			DialAttempts:     3,
			DialTimeout:      10 * time.Second,
			DialRetryDelay:   time.Second,
			HandshakeTimeout: 30 * time.Second,
			IOTimeout:        2 * time.Minute,
		},
	}
}

// Load returns the defaults overridden by the YAML file at path. An empty path
// returns the defaults.
func Load(path string) (AdminConfig, error) {
	cfg := Default()
	if path != "" {
		if err := FromFile(path, &cfg); err != nil {
			return AdminConfig{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return AdminConfig{}, err
	}
	return cfg, nil
}

func (s TLSSettings) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.GeneratedKeySize, validation.Required, validation.Min(1024), validation.Max(16384)),
		validation.Field(&s.AuthorityCertificateLifetime, validation.Min(0)),
		validation.Field(&s.GeneratedCertificateLifetime, validation.Min(0)),
	)
}

func (s ServerSettings) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&s.HandshakeTimeout, validation.Min(time.Duration(0))),
		validation.Field(&s.IOTimeout, validation.Min(time.Duration(0))),
		validation.Field(&s.FailedAuthInterval, validation.Min(time.Duration(0))),
		validation.Field(&s.FailedAuthBurst, validation.Min(1)),
	)
}

func (s ClientSettings) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.DialAttempts, validation.Required),
		validation.Field(&s.DialTimeout, validation.Min(time.Duration(0))),
		validation.Field(&s.DialRetryDelay, validation.Min(time.Duration(0))),
		validation.Field(&s.HandshakeTimeout, validation.Min(time.Duration(0))),
		validation.Field(&s.IOTimeout, validation.Min(time.Duration(0))),
	)
}

func (c AdminConfig) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.ProfileRoot, validation.Required),
		validation.Field(&c.SpoolDir, validation.Required),
		validation.Field(&c.TLS),
		validation.Field(&c.Server),
		validation.Field(&c.Client),
	); err != nil {
		return fmt.Errorf("invalid configuration: %s: %w", err.Error(), model.ErrInvalidParameter)
	}
	return nil
}
