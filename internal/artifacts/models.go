package artifacts

import "time"

type ArtifactKind string

const (
	BinaryArtifact  ArtifactKind = "binary"  // Stripped BusyBox binaries
	ArchiveArtifact ArtifactKind = "archive" // Compressed release archives
)

type Artifact struct {
	ID   string       `json:"id"`
	Kind ArtifactKind `json:"kind"`
	Name string       `json:"name"`
	URI  string       `json:"uri"`
	Size int64        `json:"size"`

	// Checksum is the hex SHA-256 of the stored file.
	Checksum    *string        `json:"checksum,omitempty"`
	ContentType string         `json:"content_type"`
	CreatedAt   time.Time      `json:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Path returns the local file path of a file:// artifact.
func (a Artifact) Path() (string, error) {
	return PathFromURI(a.URI)
}
