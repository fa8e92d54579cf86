package protocol

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is the protocol revision spoken by this build.
// Peers are compatible when they share the major version.
const Version = "2.0.0"

// Compatible reports whether a peer announcing version can talk to us.
func Compatible(version string) (bool, error) {
	constraint, err := semver.NewConstraint("^" + Version)
	if err != nil {
		return false, fmt.Errorf("invalid protocol version: %w", err)
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("invalid peer version %q: %w", version, err)
	}

	// ^2.0.0 rejects 2.1.0-rc1; prereleases of the same major still interoperate
	if v.Prerelease() != "" {
		release, err := v.SetPrerelease("")
		if err != nil {
			return false, err
		}
		v = &release
	}

	return constraint.Check(v), nil
}
