package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	otlp_util "github.com/bluexlab/otlp-util-go"
	"github.com/openebl/idsreg/pkg/model"
	"github.com/openebl/idsreg/pkg/profile"
	"github.com/openebl/idsreg/pkg/registration"
	"github.com/openebl/idsreg/pkg/registration/server"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type RegisterCmd struct {
	Profile    string `arg:"" help:"Profile to register"`
	Permission string `arg:"" help:"Requested permission, for example \"idmef:w admin:r\""`
	Address    string `arg:"" help:"Registration server address[:port]"`

	Passwd     string `name:"passwd" help:"One-shot password"`
	PasswdFile string `name:"passwd-file" help:"Read the one-shot password from a file, - for standard input"`
}

type RegistrationServerCmd struct {
	Profile string `arg:"" help:"Profile holding the authority"`

	Keepalive  bool   `short:"k" name:"keepalive" help:"Keep serving after the first successful registration"`
	Prompt     bool   `short:"p" name:"prompt" help:"Prompt for the one-shot password instead of generating it"`
	Passwd     string `name:"passwd" help:"One-shot password"`
	PasswdFile string `name:"passwd-file" help:"Read the one-shot password from a file, - for standard input"`
	NoConfirm  bool   `short:"n" name:"no-confirm" help:"Sign requests without asking for confirmation"`
	Listen     string `short:"l" name:"listen" help:"Address to listen on, every local address when empty"`
	Port       int    `name:"port" help:"Port to listen on, the configured port when zero" default:"0"`
}

func (cmd *RegisterCmd) Run(cli *AdminCli, console *Console) error {
	env, err := cli.environment(console)
	if err != nil {
		return err
	}

	permission, err := model.ParsePermission(cmd.Permission)
	if err != nil {
		return err
	}
	address, err := registration.ParseAddress(cmd.Address, env.cfg.Server.Port)
	if err != nil {
		return err
	}

	p, err := profile.OpenOrCreate(env.layout, cmd.Profile, env.profileOptions()...)
	if err != nil {
		return err
	}
	if _, err := env.addAnalyzer(p); err != nil {
		return err
	}

	console.Printf("\nYou now need to start \"%s registration-server\" on %s:\n", appName, address)
	console.Printf("example: \"%s registration-server <manager profile>\"\n\n", appName)

	password := cmd.Passwd
	if password == "" && cmd.PasswdFile != "" {
		if password, _, err = console.readPasswordFile(cmd.PasswdFile); err != nil {
			return err
		}
	}
	if password == "" {
		if password, err = console.AskPassword(fmt.Sprintf("the one-shot password provided on %s", address)); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := registration.NewClient(
		registration.WithStore(env.store),
		registration.WithClientSettings(env.cfg.Client),
	)
	if err := client.Register(ctx, registration.RegisterRequest{
		Profile:        p,
		ManagerAddress: address,
		Permission:     permission,
		Password:       password,
	}); err != nil {
		return err
	}

	console.Printf("Successful registration to %s.\n\n", address)
	return nil
}

func (cmd *RegistrationServerCmd) Run(cli *AdminCli, console *Console) error {
	if cmd.Prompt && (cmd.Passwd != "" || cmd.PasswdFile != "") {
		return fmt.Errorf("options --prompt, --passwd, and --passwd-file are incompatible: %w", model.ErrInvalidParameter)
	}
	env, err := cli.environment(console)
	if err != nil {
		return err
	}

	password := cmd.Passwd
	fromPipe := false
	if password == "" && cmd.PasswdFile != "" {
		if password, fromPipe, err = console.readPasswordFile(cmd.PasswdFile); err != nil {
			return err
		}
	}
	if fromPipe {
		logrus.Warn("registration confirmation disabled as a result of reading from a pipe")
	}

	p, err := profile.OpenOrCreate(env.layout, cmd.Profile, env.profileOptions()...)
	if err != nil {
		return err
	}
	auth, err := env.addAnalyzer(p)
	if err != nil {
		return err
	}

	switch {
	case cmd.Prompt:
		if password, err = console.AskPassword("the one-shot password"); err != nil {
			return err
		}
	case password == "":
		if password, err = registration.GeneratePassword(); err != nil {
			return err
		}
		console.Printf("\nThe \"%s\" password will be requested by \"%s register\"\n", password, appName)
		console.Printf("in order to connect. Please remove the quotes before using it.\n\n")
	}

	var confirmer registration.Confirmer = console
	if cmd.NoConfirm || fromPipe {
		confirmer = registration.AutoConfirm
	}

	handler, err := registration.NewHandler(p, auth.key, auth.caCert, password,
		registration.WithConfirmer(confirmer),
		registration.WithCertificateLifetime(env.cfg.TLS.GeneratedCertificateLifetime),
		registration.WithTimeouts(env.cfg.Server.HandshakeTimeout, env.cfg.Server.IOTimeout),
	)
	if err != nil {
		return err
	}

	listenAddress := env.cfg.Server.ListenAddress
	if cmd.Listen != "" {
		listenAddress = cmd.Listen
	}
	port := env.cfg.Server.Port
	if cmd.Port != 0 {
		port = cmd.Port
	}
	srv, err := server.NewServer(
		server.WithListenAddress(listenAddress),
		server.WithPort(port),
		server.WithKeepalive(cmd.Keepalive),
		server.WithHandler(handler),
		server.WithFailureLimiter(rate.NewLimiter(rate.Every(env.cfg.Server.FailedAuthInterval), env.cfg.Server.FailedAuthBurst)),
	)
	if err != nil {
		return err
	}

	if otlpEndpoint := env.cfg.OTLPEndpoint; otlpEndpoint != "" {
		otlp_util.InitGlobalTracer(
			otlp_util.WithEndPoint(otlpEndpoint),
			otlp_util.WithServiceName(appName),
			otlp_util.WithInSecure(),
			otlp_util.WithErrorHandler(func(err error) {
				logrus.Warnf("OTLP error: %v", err)
			}),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Listen(ctx); err != nil {
		return err
	}
	console.Printf("Waiting for peers install request on %v...\n", srv.Addrs())
	err = srv.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		logrus.Info("Shutting down registration server......")
		return nil
	}
	return err
}
