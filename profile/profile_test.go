package profile

import "testing"

func TestHashIsInvariantUnderPermutation(t *testing.T) {
	a := CapabilityProfile{
		FS: []Mount{
			{Path: "/d", Mode: ModeRead},
			{Path: "/e", Mode: ModeReadWrite},
		},
		Net:          NetNone,
		CPUMillis:    200,
		MemoryMB:     256,
		Dependencies: []Dependency{"b", "A>=1"},
	}
	b := CapabilityProfile{
		FS: []Mount{
			{Path: "/e", Mode: ModeReadWrite},
			{Path: "/d", Mode: ModeRead},
		},
		Net:          NetNone,
		CPUMillis:    200,
		MemoryMB:     256,
		Dependencies: []Dependency{"a>=1", "b"},
	}

	if Hash(a) != Hash(b) {
		t.Fatalf("expected equal pool keys, got %s and %s", Hash(a), Hash(b))
	}
	if string(Canonicalize(a)) != string(Canonicalize(b)) {
		t.Fatalf("expected equal canonical bytes for permuted profiles")
	}
}

func TestHashDiffersOnSemanticChange(t *testing.T) {
	base := CapabilityProfile{Net: NetNone, CPUMillis: 100, MemoryMB: 128}
	variants := []CapabilityProfile{
		{Net: NetHTTPSOnly, CPUMillis: 100, MemoryMB: 128},
		{Net: NetNone, CPUMillis: 101, MemoryMB: 128},
		{Net: NetNone, CPUMillis: 100, MemoryMB: 129},
		{Net: NetNone, CPUMillis: 100, MemoryMB: 128, FS: []Mount{{Path: "/x", Mode: ModeRead}}},
		{Net: NetNone, CPUMillis: 100, MemoryMB: 128, Dependencies: []Dependency{"requests"}},
	}

	baseKey := Hash(base)
	for i, v := range variants {
		if Hash(v) == baseKey {
			t.Errorf("variant %d unexpectedly hashed equal to base", i)
		}
	}
}

func TestNormalizeDeduplicatesDependenciesByFoldedName(t *testing.T) {
	p := CapabilityProfile{
		CPUMillis:    1,
		MemoryMB:     GuestMinimumMemoryMB,
		Dependencies: []Dependency{"Requests>=2.0", "requests>=1.0", "  Flask "},
	}
	norm := p.Normalize()
	if len(norm.Dependencies) != 2 {
		t.Fatalf("expected 2 deduplicated dependencies, got %v", norm.Dependencies)
	}
}

func TestValidateRejectsBadProfiles(t *testing.T) {
	tests := []struct {
		name    string
		profile CapabilityProfile
		wantErr bool
	}{
		{"zero cpu", CapabilityProfile{CPUMillis: 0, MemoryMB: GuestMinimumMemoryMB}, true},
		{"negative cpu", CapabilityProfile{CPUMillis: -1, MemoryMB: GuestMinimumMemoryMB}, true},
		{"too little memory", CapabilityProfile{CPUMillis: 1, MemoryMB: 1}, true},
		{"relative mount", CapabilityProfile{CPUMillis: 1, MemoryMB: GuestMinimumMemoryMB, FS: []Mount{{Path: "rel", Mode: ModeRead}}}, true},
		{"duplicate mount path", CapabilityProfile{
			CPUMillis: 1, MemoryMB: GuestMinimumMemoryMB,
			FS: []Mount{{Path: "/a", Mode: ModeRead}, {Path: "/a", Mode: ModeReadWrite}},
		}, true},
		{"valid", CapabilityProfile{CPUMillis: 1, MemoryMB: GuestMinimumMemoryMB, FS: []Mount{{Path: "/a", Mode: ModeRead}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseMountRoundTrip(t *testing.T) {
	tests := []string{"rw:/data", "r:/etc/hosts", "none"}
	for _, spec := range tests {
		m, err := ParseMount(spec)
		if err != nil {
			t.Fatalf("ParseMount(%q): %v", spec, err)
		}
		if got := m.String(); got != spec {
			t.Errorf("ParseMount(%q).String() = %q, want %q", spec, got, spec)
		}
	}
}

func TestParseMountRejectsMalformed(t *testing.T) {
	tests := []string{"invalid", "x:/data", "rw:relative"}
	for _, spec := range tests {
		if _, err := ParseMount(spec); err == nil {
			t.Errorf("ParseMount(%q) expected error, got nil", spec)
		}
	}
}
