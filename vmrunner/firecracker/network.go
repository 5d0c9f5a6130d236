package firecracker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/vishvananda/netlink"

	"github.com/cochaviz/firebreak/profile"
)

// NetworkConfig names the bridge tap devices attach to.
type NetworkConfig struct {
	Bridge string
}

type tapHandle struct {
	name     string
	policy   profile.NetPolicy
	filtered bool
}

// networkManager creates and tears down per-VM tap devices according to a
// profile's NetPolicy. NetNone attaches nothing: the VM boots with no
// network interface at all. NetHTTPSOnly gets a per-tap nftables filter
// programmed before the tap is handed back, so a caller never receives a
// handle whose egress restriction failed to apply.
type networkManager struct {
	cfg    NetworkConfig
	logger *slog.Logger

	mu   sync.Mutex
	next int
}

func newNetworkManager(cfg NetworkConfig, logger *slog.Logger) *networkManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &networkManager{cfg: cfg, logger: logger}
}

func (n *networkManager) attach(ctx context.Context, vmID string, policy profile.NetPolicy) (*tapHandle, error) {
	if policy == profile.NetNone {
		return nil, nil
	}
	if n.cfg.Bridge == "" {
		return nil, fmt.Errorf("network policy %s requires a configured bridge", policy)
	}

	n.mu.Lock()
	n.next++
	idx := n.next
	n.mu.Unlock()

	tapName := fmt.Sprintf("tap-%.8s-%d", vmID, idx)

	la := netlink.NewLinkAttrs()
	la.Name = tapName
	tap := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TAP,
	}

	if err := netlink.LinkAdd(tap); err != nil {
		return nil, fmt.Errorf("create tap %s: %w", tapName, err)
	}

	bridge, err := netlink.LinkByName(n.cfg.Bridge)
	if err != nil {
		_ = netlink.LinkDel(tap)
		return nil, fmt.Errorf("lookup bridge %s: %w", n.cfg.Bridge, err)
	}

	if err := netlink.LinkSetMaster(tap, bridge); err != nil {
		_ = netlink.LinkDel(tap)
		return nil, fmt.Errorf("attach tap %s to bridge %s: %w", tapName, n.cfg.Bridge, err)
	}

	if err := netlink.LinkSetUp(tap); err != nil {
		_ = netlink.LinkDel(tap)
		return nil, fmt.Errorf("set tap %s up: %w", tapName, err)
	}

	handle := &tapHandle{name: tapName, policy: policy}

	if policy == profile.NetHTTPSOnly {
		if err := n.programHTTPSOnlyFilter(ctx, tapName); err != nil {
			_ = netlink.LinkDel(tap)
			return nil, fmt.Errorf("program https-only filter for tap %s: %w", tapName, err)
		}
		handle.filtered = true
	}

	return handle, nil
}

// programHTTPSOnlyFilter installs an nftables table scoped to a single tap
// that accepts only TCP/443 and DNS (UDP/53, needed to resolve the host
// being connected to) forwarded through it, dropping everything else. It
// shells out to nft the same way SetupNetwork does for the lab firewall,
// rather than linking an nftables library, since this is a one-shot ruleset
// applied at attach time.
func (n *networkManager) programHTTPSOnlyFilter(ctx context.Context, tapName string) error {
	table := nftFilterName(tapName)
	rules := fmt.Sprintf(`table inet %[1]s {
	chain forward {
		type filter hook forward priority 0; policy drop;
		iifname "%[2]s" tcp dport 443 accept
		iifname "%[2]s" udp dport 53 accept
		iifname "%[2]s" tcp dport 53 accept
		oifname "%[2]s" ct state established,related accept
	}
}
`, table, tapName)

	cmd := exec.CommandContext(ctx, "nft", "-f", "-")
	cmd.Stdin = bytes.NewReader([]byte(rules))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("nft -f -: %w: %s", err, stderr.String())
	}
	return nil
}

func nftFilterName(tapName string) string {
	return "fb_" + strings.ReplaceAll(tapName, "-", "_")
}

func (n *networkManager) detach(tap *tapHandle) {
	if tap == nil {
		return
	}
	if tap.filtered {
		table := nftFilterName(tap.name)
		if err := exec.Command("nft", "delete", "table", "inet", table).Run(); err != nil {
			n.logger.Warn("failed to remove nftables filter", "table", table, "err", err)
		}
	}
	link, err := netlink.LinkByName(tap.name)
	if err != nil {
		return
	}
	if err := netlink.LinkDel(link); err != nil {
		n.logger.Warn("failed to remove tap device", "tap", tap.name, "err", err)
	}
}
