package artifacts

// ArtifactStore stores build outputs under deterministic names.
type ArtifactStore interface {
	StoreArtifact(artifactPath, name string, kind ArtifactKind, metadata map[string]any) (Artifact, error)
	Get(name string) (*Artifact, error)
	List() ([]Artifact, error)
	RemoveArtifact(artifact Artifact) error
	Clear() error
}
