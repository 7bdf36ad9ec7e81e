package archive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpctrace/tracearch/wire"
	"golang.org/x/crypto/blake2b"
	"sigs.k8s.io/yaml"
)

// anchorVersion is the anchor-file schema version this package writes
// and the maximum it accepts on read (SUPPLEMENTED FEATURES #1,
// grounded on otf2_anchorfile_version_check: the reference
// implementation refuses to open an anchor file from a newer writer
// than the reader understands).
const anchorVersion = 1

// Anchor is the small textual metadata file at an archive's root
// (§6.4), marshaled with sigs.k8s.io/yaml for a human-readable file
// that still round-trips through the same struct tags as JSON.
type Anchor struct {
	AnchorVersion int    `json:"anchorVersion"`
	Name          string `json:"name"`
	Machine       string `json:"machine,omitempty"`
	Description   string `json:"description,omitempty"`
	Creator       string `json:"creator,omitempty"`

	TraceFormatVersion int         `json:"traceFormatVersion"`
	Substrate          SubstrateKind `json:"substrate"`
	Compression        Compression   `json:"compression"`
	EventChunkSize     int         `json:"eventChunkSize"`
	DefChunkSize       int         `json:"defChunkSize"`

	NumLocations   uint32 `json:"numLocations"`
	NumGlobalDefs  uint32 `json:"numGlobalDefs"`
	NumSnapshots   uint32 `json:"numSnapshots"`
	NumThumbnails  uint32 `json:"numThumbnails"`
	TraceID        uint64 `json:"traceId"`

	Properties map[string]string `json:"properties,omitempty"`

	// RankMapChecksum is the blake2b-256 checksum of the rank-map file,
	// recorded so a reader can detect a corrupted or mismatched
	// rank-map before trusting it (SUPPLEMENTED FEATURES #1 sibling
	// behavior).
	RankMapChecksum string `json:"rankMapChecksum,omitempty"`
}

func anchorPath(dir, name string) string {
	return filepath.Join(dir, name+".anchor")
}

// WriteAnchor marshals a to YAML and writes it to dir/name.anchor,
// written once by the master at Close(Write) (§6.4).
func WriteAnchor(dir, name string, a *Anchor) error {
	a.AnchorVersion = anchorVersion
	a.Name = name
	out, err := yaml.Marshal(a)
	if err != nil {
		return wrapErr(wire.KindIntegrity, "WriteAnchor", "marshal anchor", err)
	}
	if err := os.WriteFile(anchorPath(dir, name), out, 0o644); err != nil {
		return wrapErr(wire.KindIo, "WriteAnchor", "write anchor", err)
	}
	return nil
}

// ReadAnchor loads and validates dir/name.anchor, rejecting anchors
// written by a newer format than this package understands.
func ReadAnchor(dir, name string) (*Anchor, error) {
	raw, err := os.ReadFile(anchorPath(dir, name))
	if err != nil {
		return nil, wrapErr(wire.KindIo, "ReadAnchor", "read anchor", err)
	}
	var a Anchor
	if err := yaml.Unmarshal(raw, &a); err != nil {
		return nil, wrapErr(wire.KindIntegrity, "ReadAnchor", "parse anchor", err)
	}
	if a.AnchorVersion > anchorVersion {
		return nil, newErr(wire.KindUnsupportedVersion, "ReadAnchor", fmt.Sprintf("anchor version %d newer than supported %d", a.AnchorVersion, anchorVersion))
	}
	if a.TraceFormatVersion > 2 {
		return nil, newErr(wire.KindUnsupportedVersion, "ReadAnchor", fmt.Sprintf("trace-format version %d exceeds maximum supported (2)", a.TraceFormatVersion))
	}
	return &a, nil
}

// ChecksumRankMap returns the blake2b-256 checksum of data, in the
// same hex form stored in Anchor.RankMapChecksum.
func ChecksumRankMap(data []byte) string {
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
