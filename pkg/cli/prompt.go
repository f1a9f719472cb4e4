package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/openebl/idsreg/pkg/cert_authority"
	"github.com/openebl/idsreg/pkg/model"
	"golang.org/x/term"
)

// Console is the operator's terminal: prompts go to out, answers come from in.
// Passwords are read without echo when in is a terminal.
type Console struct {
	in     *bufio.Reader
	out    io.Writer
	termFd int
}

func NewConsole(in io.Reader, out io.Writer) *Console {
	c := &Console{in: bufio.NewReader(in), out: out, termFd: -1}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.termFd = int(f.Fd())
	}
	return c
}

func (c *Console) Printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("fail to read input: %s: %w", err.Error(), model.ErrInvalidParameter)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Console) readSecret(prompt string) (string, error) {
	c.Printf("%s", prompt)
	if c.termFd < 0 {
		return c.readLine()
	}

	secret, err := term.ReadPassword(c.termFd)
	c.Printf("\n")
	if err != nil {
		return "", fmt.Errorf("fail to read password: %s: %w", err.Error(), model.ErrInvalidParameter)
	}
	return string(secret), nil
}

// AskPassword asks for a password until the operator enters the same non-empty
// value twice.
func (c *Console) AskPassword(what string) (string, error) {
	for {
		first, err := c.readSecret(fmt.Sprintf("Enter %s: ", what))
		if err != nil {
			return "", err
		}
		second, err := c.readSecret(fmt.Sprintf("Confirm %s: ", what))
		if err != nil {
			return "", err
		}

		switch {
		case first == "":
			c.Printf("Empty password, please retry.\n")
		case first != second:
			c.Printf("Passwords do not match, please retry.\n")
		default:
			return first, nil
		}
	}
}

// Confirm asks the operator to approve a registration request.
func (c *Console) Confirm(ctx context.Context, req cert_authority.SigningRequest) (bool, error) {
	c.Printf("Registration request for analyzerID=\"%s\" permission=\"%s\".\n", req.AnalyzerID, req.Permission)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		c.Printf("Approve registration? [y/n]: ")
		answer, err := c.readLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y":
			return true, nil
		case "n":
			return false, nil
		}
	}
}

func (c *Console) keyProgress(bits int) {
	c.Printf("Generating %d bits RSA private key... This might take a very long time.\n", bits)
}

// readPasswordFile returns the first line of path. "-" reads the console input
// instead and reports fromPipe.
func (c *Console) readPasswordFile(path string) (password string, fromPipe bool, err error) {
	if path == "-" {
		password, err = c.readLine()
		return password, true, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, fmt.Errorf("could not open file %q: %s: %w", path, err.Error(), model.ErrInvalidParameter)
	}
	password, _, _ = strings.Cut(string(data), "\n")
	return strings.TrimRight(password, "\r"), false, nil
}
