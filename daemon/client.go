package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cochaviz/firebreak/config"
)

// Client is firebreakctl's handle to a running firebreakd: a thin
// unix-socket JSON request/response wrapper with no retained connection
// between calls.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient constructs a Client. An empty socketPath falls back to
// DefaultSocketPath.
func NewClient(socketPath string) *Client {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = config.DefaultSocketPath
	}
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

func (c *Client) send(req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return Response{}, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return Response{}, errors.New(resp.Error)
		}
		return Response{}, fmt.Errorf("daemon request failed")
	}
	return resp, nil
}

// Warm asks the daemon to create (if needed) and return the occupancy of
// the pool for prof.
func (c *Client) Warm(prof ProfileWire) (PoolStatsWire, error) {
	return c.statsRequest(CommandWarm, prof)
}

// Inspect asks the daemon for the occupancy of an already-existing pool
// for prof.
func (c *Client) Inspect(prof ProfileWire) (PoolStatsWire, error) {
	return c.statsRequest(CommandInspect, prof)
}

func (c *Client) statsRequest(cmd Command, prof ProfileWire) (PoolStatsWire, error) {
	payload, err := json.Marshal(prof)
	if err != nil {
		return PoolStatsWire{}, fmt.Errorf("encode profile: %w", err)
	}
	resp, err := c.send(Request{Command: cmd, Profile: payload})
	if err != nil {
		return PoolStatsWire{}, err
	}
	var stats PoolStatsWire
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		return PoolStatsWire{}, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

// Drain asks the daemon to stop every pool it manages.
func (c *Client) Drain() error {
	_, err := c.send(Request{Command: CommandDrain})
	return err
}
