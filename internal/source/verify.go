package source

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Verifier checks a detached signature of a tarball.
type Verifier interface {
	Verify(ctx context.Context, tarball, signature string) error
}

// GPGVerifier runs `gpg --batch --verify`. Keys must already be in the
// keyring, or in Keyring when set.
type GPGVerifier struct {
	Binary  string
	Keyring string
}

func (v GPGVerifier) Verify(ctx context.Context, tarball, signature string) error {
	binary := v.Binary
	if binary == "" {
		binary = "gpg"
	}
	args := []string{"--batch"}
	if v.Keyring != "" {
		args = append(args, "--no-default-keyring", "--keyring", v.Keyring)
	}
	args = append(args, "--verify", signature, tarball)

	out, err := exec.CommandContext(ctx, binary, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("gpg verify: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
