package backup

import (
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestVersion is the only manifest layout Verify accepts.
const ManifestVersion = "1"

// Manifest is the signed index stored as the first entry of a backup.
type Manifest struct {
	Version          string         `yaml:"version"`
	ID               string         `yaml:"id"`
	CreatedAt        time.Time      `yaml:"created_at"`
	Source           string         `yaml:"source,omitempty"`
	Signer           string         `yaml:"signer,omitempty"`
	SigningPublicKey string         `yaml:"signing_public_key,omitempty"`
	Signature        string         `yaml:"signature,omitempty"`
	Files            []ManifestFile `yaml:"files"`
}

// ManifestFile describes one file of the backed-up tree.
type ManifestFile struct {
	Path   string `yaml:"path"`
	Mode   uint32 `yaml:"mode"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// TotalSize sums the size of every file in the manifest.
func (m Manifest) TotalSize() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}
