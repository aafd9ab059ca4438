package snapshot

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// compatConstraint is the range of schema_version this build's history
// readers accept: same major version as SchemaVersion.
const compatConstraint = "^1.0.0"

// CompatibleSchema reports whether a summary carrying schemaVersion can be
// read by a build honoring readerConstraint (e.g. "^1.0.0"), the same
// constraint-against-version check pack.CheckCompatibility runs for pack
// manifests against the kernel version. History readers call this on each
// row once its payload is decoded and return its error instead of the row,
// so a summary from an incompatible schema is never handed back.
func CompatibleSchema(schemaVersion, readerConstraint string) error {
	v, err := semver.NewVersion(schemaVersion)
	if err != nil {
		return fmt.Errorf("snapshot: invalid schema_version %q: %w", schemaVersion, err)
	}
	c, err := semver.NewConstraint(readerConstraint)
	if err != nil {
		return fmt.Errorf("snapshot: invalid compatibility constraint %q: %w", readerConstraint, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("snapshot: schema_version %s does not satisfy %s", schemaVersion, readerConstraint)
	}
	return nil
}
