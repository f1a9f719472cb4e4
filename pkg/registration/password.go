package registration

import (
	"fmt"
	"strings"

	"go.step.sm/crypto/randutil"
)

const PasswordLength = 8

// GeneratePassword returns a fresh one-shot password for a registration server
// run.
func GeneratePassword() (string, error) {
	password, err := randutil.Alphanumeric(PasswordLength)
	if err != nil {
		return "", fmt.Errorf("fail to generate one-shot password: %w", err)
	}
	return strings.ToLower(password), nil
}
