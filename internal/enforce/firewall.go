// Package enforce turns block decisions into packet-filter rules using
// nftables or iptables, without a firewall daemon dependency.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"

	"authguard/internal/config"
)

const (
	nftTable = "authguard"
	nftSetV4 = "blocked_ips"
	nftSetV6 = "blocked_ips_v6"

	iptablesComment = "authguard-blocked"
)

// ErrInvalidIP is returned for addresses the enforcers refuse to touch.
var ErrInvalidIP = errors.New("enforce: invalid IP address")

// runner executes a firewall command. Swapped out in tests.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// New builds the enforcer named by cfg.Backend.
func New(cfg config.EnforceConfig) (Enforcer, error) {
	switch cfg.Backend {
	case "nftables":
		return NewNftables(cfg.NftablesPath), nil
	case "iptables":
		return NewIptables(cfg.IptablesPath), nil
	case "", "noop":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown enforcement backend %q", cfg.Backend)
	}
}

// Enforcer applies and revokes traffic blocks for single IPs. Both
// operations are idempotent.
type Enforcer interface {
	Apply(ctx context.Context, ip string) error
	Revoke(ctx context.Context, ip string) error
}

func checkIP(ip string) (net.IP, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || parsed.IsUnspecified() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return parsed, nil
}

// Nftables blocks IPs by adding them to a named set in the authguard
// table. The table and sets must exist; authguard ships a ruleset file
// for that.
type Nftables struct {
	path string
	run  runner
}

// NewNftables creates an nftables enforcer using the given nft binary.
func NewNftables(path string) *Nftables {
	if path == "" {
		path = "/usr/sbin/nft"
	}
	return &Nftables{path: path, run: execRunner}
}

func nftSet(ip net.IP) string {
	if ip.To4() == nil {
		return nftSetV6
	}
	return nftSetV4
}

// Apply adds ip to the blocked set.
func (n *Nftables) Apply(ctx context.Context, ip string) error {
	parsed, err := checkIP(ip)
	if err != nil {
		return err
	}

	out, err := n.run(ctx, n.path, "add", "element", "inet", nftTable, nftSet(parsed),
		fmt.Sprintf("{ %s }", ip))
	if err != nil {
		if strings.Contains(string(out), "already exists") {
			return nil
		}
		return fmt.Errorf("nft add element: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Revoke removes ip from the blocked set. A missing element is not an
// error.
func (n *Nftables) Revoke(ctx context.Context, ip string) error {
	parsed, err := checkIP(ip)
	if err != nil {
		return err
	}

	out, err := n.run(ctx, n.path, "delete", "element", "inet", nftTable, nftSet(parsed),
		fmt.Sprintf("{ %s }", ip))
	if err != nil {
		if strings.Contains(string(out), "does not exist") {
			return nil
		}
		return fmt.Errorf("nft delete element: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Iptables blocks IPs with per-IP DROP rules at the head of INPUT.
type Iptables struct {
	pathV4 string
	pathV6 string
	run    runner
}

// NewIptables creates an iptables enforcer using the given iptables
// binary. IPv6 addresses go through the sibling ip6tables binary.
func NewIptables(path string) *Iptables {
	if path == "" {
		path = "/sbin/iptables"
	}
	return &Iptables{
		pathV4: path,
		pathV6: strings.Replace(path, "iptables", "ip6tables", 1),
		run:    execRunner,
	}
}

func (i *Iptables) binary(ip net.IP) string {
	if ip.To4() == nil {
		return i.pathV6
	}
	return i.pathV4
}

// Apply inserts a DROP rule for ip unless one is already present.
func (i *Iptables) Apply(ctx context.Context, ip string) error {
	parsed, err := checkIP(ip)
	if err != nil {
		return err
	}
	bin := i.binary(parsed)

	// -C reports whether the rule already exists.
	if _, err := i.run(ctx, bin, "-C", "INPUT", "-s", ip, "-j", "DROP",
		"-m", "comment", "--comment", iptablesComment); err == nil {
		return nil
	}

	out, err := i.run(ctx, bin, "-I", "INPUT", "1", "-s", ip, "-j", "DROP",
		"-m", "comment", "--comment", iptablesComment)
	if err != nil {
		return fmt.Errorf("iptables insert: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Revoke deletes every matching DROP rule for ip.
func (i *Iptables) Revoke(ctx context.Context, ip string) error {
	parsed, err := checkIP(ip)
	if err != nil {
		return err
	}
	bin := i.binary(parsed)

	deleted := false
	for {
		if _, err := i.run(ctx, bin, "-D", "INPUT", "-s", ip, "-j", "DROP",
			"-m", "comment", "--comment", iptablesComment); err != nil {
			break
		}
		deleted = true
	}
	if !deleted {
		slog.Debug("no iptables rule to revoke", "ip", ip)
	}
	return nil
}

// Noop records nothing and always succeeds. The default for test and
// evaluation deployments.
type Noop struct{}

// Apply is a no-op.
func (Noop) Apply(_ context.Context, ip string) error {
	slog.Debug("noop enforcement apply", "ip", ip)
	return nil
}

// Revoke is a no-op.
func (Noop) Revoke(_ context.Context, ip string) error {
	slog.Debug("noop enforcement revoke", "ip", ip)
	return nil
}
