// Package daemon implements the out-of-band control protocol
// firebreakctl uses to warm, inspect, and drain the pool manager a
// long-running firebreakd process hosts: a plain JSON-over-unix-socket
// request/response exchange, one request per connection.
package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/cochaviz/firebreak/pool"
	"github.com/cochaviz/firebreak/profile"
)

// Command names a daemon operation.
type Command string

const (
	CommandWarm    Command = "warm"
	CommandInspect Command = "inspect"
	CommandDrain   Command = "drain"
)

// Request is the single JSON object sent over the control socket for
// every command, matching IPCRequest's shape in the original daemon.
type Request struct {
	Command Command         `json:"command"`
	Profile json.RawMessage `json:"profile,omitempty"`
}

// Response is the single JSON object returned for every request, matching
// IPCResponse's shape: OK plus either Data or Error, never both.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ProfileWire is the JSON wire form of a capability profile, carried
// inside Request.Profile. The daemon protocol speaks JSON rather than the
// binary profile.PoolKey hash so an operator can hand-write one.
type ProfileWire struct {
	CPUMillis    int      `json:"cpu_ms"`
	MemoryMB     int      `json:"mem_mb"`
	Net          string   `json:"net"`
	FS           []string `json:"fs,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// PoolStatsWire is the JSON wire form of pool.Stats.
type PoolStatsWire struct {
	Total   int `json:"total"`
	Ready   int `json:"ready"`
	InUse   int `json:"in_use"`
	Waiting int `json:"waiting"`
}

// ToProfile converts the wire form into a profile.CapabilityProfile.
func (w ProfileWire) ToProfile() (profile.CapabilityProfile, error) {
	net, err := profile.ParseNetPolicy(w.Net)
	if err != nil {
		return profile.CapabilityProfile{}, err
	}

	mounts := make([]profile.Mount, 0, len(w.FS))
	for i, spec := range w.FS {
		m, err := profile.ParseMount(spec)
		if err != nil {
			return profile.CapabilityProfile{}, fmt.Errorf("fs[%d]: %w", i, err)
		}
		if m == (profile.Mount{}) {
			// "none" names the empty mount set and adds no mount.
			continue
		}
		mounts = append(mounts, m)
	}

	deps := make([]profile.Dependency, len(w.Dependencies))
	for i, d := range w.Dependencies {
		deps[i] = profile.Dependency(d)
	}

	prof := profile.CapabilityProfile{
		CPUMillis:    w.CPUMillis,
		MemoryMB:     w.MemoryMB,
		Net:          net,
		FS:           mounts,
		Dependencies: deps,
	}
	return prof, prof.Validate()
}

// PoolStatsWireFrom converts pool.Stats into its wire form.
func PoolStatsWireFrom(s pool.Stats) PoolStatsWire {
	return PoolStatsWire{Total: s.Total, Ready: s.Ready, InUse: s.InUse, Waiting: s.Waiting}
}
