package cli

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/openebl/idsreg/pkg/config"
	"github.com/openebl/idsreg/pkg/credential"
	"github.com/openebl/idsreg/pkg/model"
	"github.com/openebl/idsreg/pkg/profile"
	"github.com/sirupsen/logrus"
)

const appName string = "idsreg-admin"

type App struct{}

// Globals are the options shared by every command. Negative lifetimes, a zero key
// length and negative ids keep the configured value.
type Globals struct {
	Config         string `short:"c" name:"config" type:"existingfile" help:"Path to the configuration file"`
	ProfileRoot    string `name:"profile-root" help:"Directory holding the profiles"`
	SpoolDir       string `name:"spool-dir" help:"Directory holding the profile backup directories"`
	KeyLen         int    `name:"key-len" help:"Size of generated RSA keys in bits" default:"0"`
	CertLifetime   int    `name:"cert-lifetime" help:"Lifetime in days of issued certificates, 0 for unlimited" default:"-1"`
	CACertLifetime int    `name:"ca-cert-lifetime" help:"Lifetime in days of the authority certificate, 0 for unlimited" default:"-1"`
	UID            int    `name:"uid" help:"Owner of created files" default:"-1"`
	GID            int    `name:"gid" help:"Group of created files" default:"-1"`
	Debug          bool   `name:"debug" help:"Enable debug logging"`
}

type AdminCli struct {
	Globals

	Add                AddCmd                `cmd:"" help:"Create an analyzer profile with its key and authority certificate."`
	Register           RegisterCmd           `cmd:"" help:"Register an analyzer profile to a remote registration server."`
	RegistrationServer RegistrationServerCmd `cmd:"" name:"registration-server" help:"Sign the registration requests of remote analyzers."`
	Revoke             RevokeCmd             `cmd:"" help:"Revoke the certificate of an analyzer."`
	Del                DelCmd                `cmd:"" help:"Delete analyzer profiles."`
	Rename             RenameCmd             `cmd:"" help:"Rename an analyzer profile."`
	List               ListCmd               `cmd:"" help:"List analyzer profiles."`
	PrintCRL           PrintCRLCmd           `cmd:"" name:"print-crl" help:"Print the revocation list of an analyzer profile."`
	Chown              ChownCmd              `cmd:"" help:"Change the owner of an analyzer profile's files."`
}

func (a *App) Run() {
	if err := a.Execute(os.Args[1:], NewConsole(os.Stdin, os.Stdout)); err != nil {
		logrus.Errorf("failed to run command: %v", err)
		os.Exit(model.ErrToExitCode(err))
	}
}

// Execute parses args and runs the selected command against console.
func (a *App) Execute(args []string, console *Console) error {
	cli := AdminCli{}
	parser, err := kong.New(&cli,
		kong.Name(appName),
		kong.Description("Manage analyzer profiles and their registration to a manager."),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}
	return ctx.Run(&cli, console)
}

// environment is what a command needs once configuration and flags are merged.
type environment struct {
	cfg    config.AdminConfig
	layout profile.Layout
	store  *credential.Store
	uid    int
	gid    int
}

func (g *Globals) environment(console *Console) (*environment, error) {
	if g.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.ProfileRoot != "" {
		cfg.ProfileRoot = g.ProfileRoot
	}
	if g.SpoolDir != "" {
		cfg.SpoolDir = g.SpoolDir
	}
	if g.KeyLen > 0 {
		cfg.TLS.GeneratedKeySize = g.KeyLen
	}
	if g.CertLifetime >= 0 {
		cfg.TLS.GeneratedCertificateLifetime = g.CertLifetime
	}
	if g.CACertLifetime >= 0 {
		cfg.TLS.AuthorityCertificateLifetime = g.CACertLifetime
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &environment{
		cfg:    cfg,
		layout: profile.Layout{Root: cfg.ProfileRoot, SpoolDir: cfg.SpoolDir},
		store:  credential.NewStore(credential.WithSettings(cfg.TLS), credential.WithProgress(console.keyProgress)),
		uid:    g.UID,
		gid:    g.GID,
	}, nil
}

func (e *environment) profileOptions() []profile.Option {
	return []profile.Option{profile.WithOwner(e.uid, e.gid)}
}

// authority is the signing material of a profile.
type authority struct {
	key    crypto.Signer
	caCert *x509.Certificate
}

// addAnalyzer makes sure p holds its private key, its authority certificate and
// the certificate that authority issued for its own key.
func (e *environment) addAnalyzer(p *profile.Profile) (authority, error) {
	key, err := e.store.LoadOrGeneratePrivateKey(p)
	if err != nil {
		return authority{}, err
	}
	caCert, err := e.store.LoadOrGenerateCACertificate(p, key)
	if err != nil {
		return authority{}, err
	}
	if _, err := e.store.LoadOrGenerateSignedCertificate(p, caCert, key); err != nil {
		return authority{}, err
	}
	return authority{key: key, caCert: caCert}, nil
}

// loadAuthority reads the signing material of an existing profile without
// generating anything.
func (e *environment) loadAuthority(p *profile.Profile) (authority, error) {
	key, err := credential.LoadPrivateKey(p)
	if err != nil {
		return authority{}, err
	}
	caCert, err := credential.LoadCACertificate(p)
	if err != nil {
		return authority{}, err
	}
	return authority{key: key, caCert: caCert}, nil
}
