package source

import (
	"fmt"
	"time"
)

// Stage is the staging progress of one source version.
type Stage string

const (
	StageNotFetched Stage = "not-fetched"
	StageFetched    Stage = "fetched"
	StageVerified   Stage = "verified"
	StageExtracted  Stage = "extracted"
)

func (s Stage) rank() int {
	switch s {
	case StageFetched:
		return 1
	case StageVerified:
		return 2
	case StageExtracted:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is other or a later stage.
func (s Stage) AtLeast(other Stage) bool {
	return s.rank() >= other.rank()
}

// State is the persisted staging record of one version.
type State struct {
	Version   string    `json:"version"`
	Stage     Stage     `json:"stage"`
	Tarball   string    `json:"tarball,omitempty"`
	Signature string    `json:"signature,omitempty"`
	SHA256    string    `json:"sha256,omitempty"`
	Verified  bool      `json:"verified"`
	TreeDir   string    `json:"tree_dir,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition advances the state by exactly one stage, or resets it to an
// earlier stage when recorded files went missing.
func (s *State) Transition(to Stage) error {
	if !isAllowedTransition(s.Stage, to) {
		return fmt.Errorf("disallowed transition for busybox-%s: %s -> %s", s.Version, s.Stage, to)
	}
	s.Stage = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func isAllowedTransition(from, to Stage) bool {
	if to.rank() < from.rank() {
		return true
	}
	switch from {
	case StageNotFetched, "":
		return to == StageFetched
	case StageFetched:
		return to == StageVerified
	case StageVerified:
		return to == StageExtracted
	default:
		return false
	}
}
