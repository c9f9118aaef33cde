package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cochaviz/busybox-cross/internal/logging"
)

var versionPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+(\.[0-9]+)?$`)

// ErrInvalidVersion is returned for version strings that are not dotted numerics.
var ErrInvalidVersion = errors.New("invalid busybox version")

// ErrUnverified is returned when the signature check fails and unverified
// sources are not allowed.
var ErrUnverified = errors.New("source signature could not be verified")

// ValidateVersion accepts versions such as "1.36" and "1.36.1".
func ValidateVersion(version string) error {
	if !versionPattern.MatchString(version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return nil
}

// Tree is an extracted source tree ready to be copied into build workspaces.
type Tree struct {
	Version  string
	Dir      string
	Tarball  string
	SHA256   string
	Verified bool
}

// Provider stages BusyBox source versions under Dir.
type Provider struct {
	Dir    string
	Mirror string
	// Fetcher downloads tarballs; an HTTPFetcher when nil.
	Fetcher Fetcher
	// Verifier checks signatures; a GPGVerifier when nil.
	Verifier Verifier
	// AllowUnverified downgrades signature problems to warnings.
	AllowUnverified bool
	Logger          *slog.Logger
}

func (p *Provider) store() StateStore {
	return StateStore{Dir: p.Dir}
}

func (p *Provider) mirror() string {
	if p.Mirror == "" {
		return DefaultMirror
	}
	return strings.TrimRight(p.Mirror, "/")
}

func (p *Provider) fetcher() Fetcher {
	if p.Fetcher != nil {
		return p.Fetcher
	}
	return &HTTPFetcher{Logger: p.Logger}
}

func (p *Provider) verifier() Verifier {
	if p.Verifier != nil {
		return p.Verifier
	}
	return GPGVerifier{}
}

// TarballName is the release file name of version.
func TarballName(version string) string {
	return "busybox-" + version + ".tar.bz2"
}

// TreeDir is where version is extracted to.
func (p *Provider) TreeDir(version string) string {
	return filepath.Join(p.Dir, "busybox-"+version)
}

// Status returns the recorded state of version after checking that the
// files it refers to still exist.
func (p *Provider) Status(version string) (State, error) {
	if err := ValidateVersion(version); err != nil {
		return State{}, err
	}
	state, err := p.store().Load(version)
	if err != nil {
		return State{}, err
	}
	return p.reconcile(state)
}

// Ensure advances version to the extracted stage, resuming from whatever
// stage was recorded by an earlier run.
func (p *Provider) Ensure(ctx context.Context, version string) (Tree, error) {
	if p.Dir == "" {
		return Tree{}, errors.New("source dir is not configured")
	}
	state, err := p.Status(version)
	if err != nil {
		return Tree{}, err
	}
	logger := logging.Ensure(p.Logger).With("component", "source", "version", version)
	logger.Debug("source state", "stage", string(state.Stage))

	if !p.AllowUnverified && !state.Verified && state.Stage.AtLeast(StageFetched) {
		// An earlier run accepted an unverified tarball; this one must not.
		// Without a signature the fetch is repeated to download one.
		back := state.Stage
		if state.Stage.AtLeast(StageVerified) {
			back = StageFetched
		}
		if state.Signature == "" {
			back = StageNotFetched
		}
		if back != state.Stage {
			if err := state.Transition(back); err != nil {
				return Tree{}, err
			}
		}
	}

	for state.Stage != StageExtracted {
		if err := ctx.Err(); err != nil {
			return Tree{}, err
		}

		var step func(context.Context, *slog.Logger, *State) error
		var next Stage
		switch state.Stage {
		case StageNotFetched:
			step, next = p.fetch, StageFetched
		case StageFetched:
			step, next = p.verify, StageVerified
		case StageVerified:
			step, next = p.extract, StageExtracted
		default:
			return Tree{}, fmt.Errorf("unknown stage %q", state.Stage)
		}

		if err := step(ctx, logger, &state); err != nil {
			return Tree{}, err
		}
		if err := state.Transition(next); err != nil {
			return Tree{}, err
		}
		if err := p.store().Save(state); err != nil {
			return Tree{}, err
		}
		logger.Info("source stage reached", "stage", string(state.Stage))
	}

	return Tree{
		Version:  version,
		Dir:      state.TreeDir,
		Tarball:  state.Tarball,
		SHA256:   state.SHA256,
		Verified: state.Verified,
	}, nil
}

func (p *Provider) fetch(ctx context.Context, logger *slog.Logger, state *State) error {
	name := TarballName(state.Version)
	tarball := filepath.Join(p.Dir, name)
	url := p.mirror() + "/" + name

	if err := p.fetcher().Fetch(ctx, url, tarball); err != nil {
		return fmt.Errorf("fetch %s: %w", name, err)
	}
	sum, err := fileSHA256(tarball)
	if err != nil {
		return err
	}

	signature := tarball + ".sig"
	if err := p.fetcher().Fetch(ctx, url+".sig", signature); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.AllowUnverified {
			return fmt.Errorf("%w: fetch signature: %v", ErrUnverified, err)
		}
		logger.Warn("signature unavailable, continuing unverified", "error", err)
		signature = ""
	}

	state.Tarball = tarball
	state.Signature = signature
	state.SHA256 = sum
	state.Verified = false
	return nil
}

func (p *Provider) verify(ctx context.Context, logger *slog.Logger, state *State) error {
	if state.Signature == "" {
		if !p.AllowUnverified {
			return fmt.Errorf("%w: no signature for %s", ErrUnverified, filepath.Base(state.Tarball))
		}
		state.Verified = false
		return nil
	}

	if err := p.verifier().Verify(ctx, state.Tarball, state.Signature); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.AllowUnverified {
			return fmt.Errorf("%w: %v", ErrUnverified, err)
		}
		logger.Warn("signature verification failed, continuing unverified", "error", err)
		state.Verified = false
		return nil
	}
	state.Verified = true
	return nil
}

func (p *Provider) extract(_ context.Context, logger *slog.Logger, state *State) error {
	dest := p.TreeDir(state.Version)
	tmp, err := os.MkdirTemp(p.Dir, ".extract-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if err := extractTarBz2(state.Tarball, tmp); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(state.Tarball), err)
	}

	root := filepath.Join(tmp, "busybox-"+state.Version)
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("archive %s has no busybox-%s directory", filepath.Base(state.Tarball), state.Version)
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := os.Rename(root, dest); err != nil {
		return err
	}

	logger.Debug("extracted", "dir", dest)
	state.TreeDir = dest
	return nil
}

// reconcile moves state back to the earliest stage whose files are intact.
func (p *Provider) reconcile(state State) (State, error) {
	if state.Stage.AtLeast(StageFetched) {
		sum, err := fileSHA256(state.Tarball)
		if err != nil || sum != state.SHA256 {
			return State{Version: state.Version, Stage: StageNotFetched}, nil
		}
		if state.Signature != "" && !exists(state.Signature) {
			return State{Version: state.Version, Stage: StageNotFetched}, nil
		}
	}
	if state.Stage == StageExtracted && !exists(state.TreeDir) {
		state.TreeDir = ""
		if err := state.Transition(StageVerified); err != nil {
			return State{}, err
		}
	}
	return state, nil
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
