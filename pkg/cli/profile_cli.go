package cli

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/openebl/idsreg/pkg/cert_authority"
	"github.com/openebl/idsreg/pkg/credential"
	"github.com/openebl/idsreg/pkg/model"
	"github.com/openebl/idsreg/pkg/profile"
	"github.com/openebl/idsreg/pkg/revocation"
	"github.com/openebl/idsreg/pkg/util"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const timeLayout = time.RFC3339

type AddCmd struct {
	Profile string `arg:"" help:"Profile name"`
}

type DelCmd struct {
	Profiles []string `arg:"" name:"profile" help:"Profile names"`
}

type RenameCmd struct {
	Source      string `arg:"" help:"Current profile name"`
	Destination string `arg:"" help:"New profile name"`
}

type ListCmd struct {
	JSON bool `name:"json" help:"Print the listing as JSON"`
}

type ChownCmd struct {
	Profile string `arg:"" help:"Profile name"`
}

type RevokeCmd struct {
	Profile    string `arg:"" help:"Profile holding the authority"`
	AnalyzerID string `arg:"" name:"analyzerid" help:"Analyzer whose certificate is revoked"`
}

type PrintCRLCmd struct {
	Profile string `arg:"" help:"Profile holding the authority"`
}

func (cmd *AddCmd) Run(cli *AdminCli, console *Console) error {
	env, err := cli.environment(console)
	if err != nil {
		return err
	}

	p, err := profile.Create(env.layout, cmd.Profile, env.profileOptions()...)
	if err != nil {
		return err
	}
	if _, err := env.addAnalyzer(p); err != nil {
		if delErr := p.Delete(); delErr != nil {
			logrus.Warnf("could not remove incomplete profile %q: %v", p.Name(), delErr)
		}
		return err
	}

	console.Printf("Created profile '%s' with analyzerID '%s'.\n", p.Name(), p.AnalyzerID())
	return nil
}

func (cmd *DelCmd) Run(cli *AdminCli, console *Console) error {
	env, err := cli.environment(console)
	if err != nil {
		return err
	}

	var errs []error
	for _, name := range cmd.Profiles {
		p, err := profile.Open(env.layout, name)
		if err == nil {
			err = p.Delete()
		}
		if err != nil {
			logrus.Errorf("could not delete profile %q: %v", name, err)
			errs = append(errs, err)
			continue
		}
		console.Printf("Successfully deleted analyzer profile '%s'.\n", name)
	}
	return errors.Join(errs...)
}

func (cmd *RenameCmd) Run(cli *AdminCli, console *Console) error {
	env, err := cli.environment(console)
	if err != nil {
		return err
	}

	if err := profile.Rename(env.layout, cmd.Source, cmd.Destination); err != nil {
		return err
	}
	console.Printf("Successfully renamed analyzer profile '%s' to '%s'.\n", cmd.Source, cmd.Destination)
	return nil
}

// ProfileSummary describes one profile in the listing.
type ProfileSummary struct {
	Name       string   `json:"name"`
	AnalyzerID string   `json:"analyzer_id"`
	Authority  bool     `json:"authority"`
	Revoked    int      `json:"revoked"`
	Issuers    []string `json:"issuers"`
}

func (cmd *ListCmd) Run(cli *AdminCli, console *Console) error {
	env, err := cli.environment(console)
	if err != nil {
		return err
	}

	names, err := profile.List(env.layout)
	if err != nil {
		return err
	}

	summaries := make([]ProfileSummary, 0, len(names))
	for _, name := range names {
		summary, err := summarize(env.layout, name)
		if err != nil {
			return err
		}
		summaries = append(summaries, summary)
	}

	if cmd.JSON {
		return util.WriteIndentedJSON(console.out, summaries)
	}
	for _, s := range summaries {
		console.Printf("%-24s analyzerID=%-20s authority=%-5t revoked=%-4d issuers=%v\n", s.Name, s.AnalyzerID, s.Authority, s.Revoked, s.Issuers)
	}
	return nil
}

func summarize(layout profile.Layout, name string) (ProfileSummary, error) {
	p, err := profile.Open(layout, name)
	if err != nil {
		return ProfileSummary{}, err
	}
	summary := ProfileSummary{Name: name, AnalyzerID: p.AnalyzerID().String(), Issuers: []string{}}

	caCert, err := credential.LoadCACertificate(p)
	switch {
	case err == nil:
		summary.Authority = true
		entries, err := revocation.NewLedger().List(p, caCert)
		if err != nil {
			return ProfileSummary{}, err
		}
		summary.Revoked = len(entries)
	case !errors.Is(err, model.ErrDataNotFound):
		return ProfileSummary{}, err
	}

	certs, err := credential.LoadCertificates(p.ClientKeyCertFile())
	if err != nil && !errors.Is(err, model.ErrDataNotFound) {
		return ProfileSummary{}, err
	}
	summary.Issuers = append(summary.Issuers, lo.FilterMap(certs, func(cert *x509.Certificate, _ int) (string, bool) {
		id, ok := cert_authority.AnalyzerIDOf(cert.Issuer)
		return id.String(), ok
	})...)
	return summary, nil
}

func (cmd *ChownCmd) Run(cli *AdminCli, console *Console) error {
	if cli.UID < 0 && cli.GID < 0 {
		return fmt.Errorf("--uid or --gid is required: %w", model.ErrInvalidParameter)
	}
	env, err := cli.environment(console)
	if err != nil {
		return err
	}

	p, err := profile.Open(env.layout, cmd.Profile)
	if err != nil {
		return err
	}
	p.Chown(cli.UID, cli.GID)
	console.Printf("Changed owner of analyzer profile '%s' to %d:%d.\n", p.Name(), cli.UID, cli.GID)
	return nil
}

func (cmd *RevokeCmd) Run(cli *AdminCli, console *Console) error {
	env, err := cli.environment(console)
	if err != nil {
		return err
	}

	id, err := model.ParseAnalyzerID(cmd.AnalyzerID)
	if err != nil {
		return err
	}
	p, err := profile.Open(env.layout, cmd.Profile, env.profileOptions()...)
	if err != nil {
		return err
	}
	auth, err := env.loadAuthority(p)
	if err != nil {
		return err
	}

	outcome, err := revocation.NewLedger().Revoke(p, auth.key, auth.caCert, id)
	if err != nil {
		return err
	}
	console.Printf("Analyzer '%s' %s by profile '%s'.\n", id, outcome, p.Name())
	return nil
}

func (cmd *PrintCRLCmd) Run(cli *AdminCli, console *Console) error {
	env, err := cli.environment(console)
	if err != nil {
		return err
	}

	p, err := profile.Open(env.layout, cmd.Profile)
	if err != nil {
		return err
	}
	caCert, err := credential.LoadCACertificate(p)
	if err != nil {
		return err
	}
	crl, err := revocation.Load(p, caCert)
	if err != nil {
		return err
	}
	if crl == nil {
		console.Printf("Profile '%s' has not revoked any analyzer.\n", p.Name())
		return nil
	}

	console.Printf("Revocation list #%d of profile '%s', updated %s, next update %s:\n",
		crl.Number, p.Name(), crl.ThisUpdate.UTC().Format(timeLayout), crl.NextUpdate.UTC().Format(timeLayout))
	for _, entry := range crl.RevokedCertificateEntries {
		console.Printf("  analyzerID=%d revoked=%s\n", entry.SerialNumber, entry.RevocationTime.UTC().Format(timeLayout))
	}
	return nil
}
