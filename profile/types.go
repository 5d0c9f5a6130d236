// Package profile defines the capability profile data model and its
// canonicalization into a stable pool identity.
package profile

import (
	"fmt"
	"sort"
	"strings"
)

// MountMode is the access mode a filesystem mount is exposed to the guest with.
type MountMode int

const (
	// ModeRead exposes a path read-only.
	ModeRead MountMode = iota
	// ModeReadWrite exposes a path read-write.
	ModeReadWrite
)

func (m MountMode) String() string {
	switch m {
	case ModeRead:
		return "r"
	case ModeReadWrite:
		return "rw"
	default:
		return "unknown"
	}
}

// ParseMountMode parses "r" or "rw".
func ParseMountMode(s string) (MountMode, error) {
	switch s {
	case "r":
		return ModeRead, nil
	case "rw":
		return ModeReadWrite, nil
	default:
		return 0, fmt.Errorf("invalid mount mode %q: expected \"r\" or \"rw\"", s)
	}
}

// Mount is a single host path exposed into the guest.
type Mount struct {
	Path string
	Mode MountMode
}

// ParseMount parses the CLI/debug string form used by firebreakctl,
// e.g. "rw:/data", "r:/etc/hosts", or "none" for the empty mount set.
func ParseMount(spec string) (Mount, error) {
	if spec == "none" {
		return Mount{}, nil
	}
	modeStr, path, ok := strings.Cut(spec, ":")
	if !ok {
		return Mount{}, fmt.Errorf("invalid fs spec %q: expected \"r:/path\" or \"rw:/path\"", spec)
	}
	mode, err := ParseMountMode(modeStr)
	if err != nil {
		return Mount{}, err
	}
	if !strings.HasPrefix(path, "/") {
		return Mount{}, fmt.Errorf("mount path %q must be absolute", path)
	}
	return Mount{Path: path, Mode: mode}, nil
}

func (m Mount) String() string {
	if m.Path == "" {
		return "none"
	}
	return fmt.Sprintf("%s:%s", m.Mode, m.Path)
}

// NetPolicy is the network egress policy attached to a profile.
type NetPolicy int

const (
	// NetNone attaches no network device.
	NetNone NetPolicy = iota
	// NetHTTPSOnly restricts egress to TCP/443.
	NetHTTPSOnly
	// NetAll allows unrestricted egress.
	NetAll
)

func (p NetPolicy) String() string {
	switch p {
	case NetNone:
		return "none"
	case NetHTTPSOnly:
		return "https_only"
	case NetAll:
		return "all"
	default:
		return "unknown"
	}
}

// ParseNetPolicy parses "none", "https_only" or "all".
func ParseNetPolicy(s string) (NetPolicy, error) {
	switch s {
	case "none", "":
		return NetNone, nil
	case "https_only":
		return NetHTTPSOnly, nil
	case "all":
		return NetAll, nil
	default:
		return 0, fmt.Errorf("invalid net policy %q", s)
	}
}

// Dependency is a single package specifier: a name with an optional
// version constraint, e.g. "requests" or "requests>=2.31".
type Dependency string

// split separates the specifier into its name and version-constraint
// portions at the first constraint operator.
func (d Dependency) split() (name, constraint string) {
	spec := strings.TrimSpace(string(d))
	for i, r := range spec {
		if r == '=' || r == '<' || r == '>' || r == '!' || r == '~' {
			return strings.TrimSpace(spec[:i]), strings.TrimSpace(spec[i:])
		}
	}
	return spec, ""
}

// Name returns the case-folded package name portion of the specifier,
// used for deduplication (spec: "deduplicated under a canonical name
// comparison").
func (d Dependency) Name() string {
	name, _ := d.split()
	return strings.ToLower(name)
}

// canonical returns the dependency with its name lowercased and its
// version constraint left verbatim after whitespace trim, so two
// specifiers that only differ in package-name casing hash identically.
func (d Dependency) canonical() Dependency {
	name, constraint := d.split()
	return Dependency(strings.ToLower(name) + constraint)
}

// GuestMinimumMemoryMB is the smallest memory ceiling a guest can boot with.
const GuestMinimumMemoryMB = 32

// CapabilityProfile is an immutable declaration of the permissions a
// sandboxed function runs under.
type CapabilityProfile struct {
	FS           []Mount
	Net          NetPolicy
	CPUMillis    int
	MemoryMB     int
	Dependencies []Dependency
}

// Normalize returns a copy of the profile with mounts sorted and
// dependencies canonicalized, deduplicated by name and sorted, without
// validating it. Two profiles that differ only in mount or dependency
// order, or in duplicate dependencies, normalize to equal values, which
// matters because the pool key is derived from the normalized form.
// Duplicate mounts are kept; Validate rejects them.
func (p CapabilityProfile) Normalize() CapabilityProfile {
	out := CapabilityProfile{
		Net:       p.Net,
		CPUMillis: p.CPUMillis,
		MemoryMB:  p.MemoryMB,
	}

	if len(p.FS) > 0 {
		out.FS = append([]Mount(nil), p.FS...)
		sort.Slice(out.FS, func(i, j int) bool {
			if out.FS[i].Path != out.FS[j].Path {
				return out.FS[i].Path < out.FS[j].Path
			}
			return out.FS[i].Mode < out.FS[j].Mode
		})
	}

	if len(p.Dependencies) > 0 {
		seen := make(map[string]Dependency, len(p.Dependencies))
		for _, dep := range p.Dependencies {
			dep = dep.canonical()
			if dep == "" {
				continue
			}
			seen[dep.Name()] = dep
		}
		out.Dependencies = make([]Dependency, 0, len(seen))
		for _, dep := range seen {
			out.Dependencies = append(out.Dependencies, dep)
		}
		sort.Slice(out.Dependencies, func(i, j int) bool {
			return out.Dependencies[i].Name() < out.Dependencies[j].Name()
		})
	}

	return out
}

// Validate checks that a profile is bootable: mounts are absolute and
// unique per path, cpu_ms is positive, and mem_mb meets the guest's
// minimum.
func (p CapabilityProfile) Validate() error {
	if p.CPUMillis <= 0 {
		return fmt.Errorf("cpu_ms must be positive, got %d", p.CPUMillis)
	}
	if p.MemoryMB < GuestMinimumMemoryMB {
		return fmt.Errorf("mem_mb must be at least %d, got %d", GuestMinimumMemoryMB, p.MemoryMB)
	}
	seen := make(map[string]struct{}, len(p.FS))
	for _, m := range p.FS {
		if !strings.HasPrefix(m.Path, "/") {
			return fmt.Errorf("mount path %q must be absolute", m.Path)
		}
		if _, dup := seen[m.Path]; dup {
			return fmt.Errorf("mount path %q specified more than once", m.Path)
		}
		seen[m.Path] = struct{}{}
	}
	return nil
}

// String renders a canonical, human-readable single-line form suitable
// for logging, distinct from the binary form used for hashing.
func (p CapabilityProfile) String() string {
	norm := p.Normalize()

	fsParts := make([]string, len(norm.FS))
	for i, m := range norm.FS {
		fsParts[i] = m.String()
	}
	fsStr := "none"
	if len(fsParts) > 0 {
		fsStr = strings.Join(fsParts, ",")
	}

	depParts := make([]string, len(norm.Dependencies))
	for i, d := range norm.Dependencies {
		depParts[i] = string(d)
	}
	depStr := "none"
	if len(depParts) > 0 {
		depStr = strings.Join(depParts, ",")
	}

	return fmt.Sprintf(
		"cpu_ms=%d;deps=%s;fs=%s;mem_mb=%d;net=%s",
		norm.CPUMillis, depStr, fsStr, norm.MemoryMB, norm.Net,
	)
}
