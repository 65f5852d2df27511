package enforce

import (
	"context"
	"errors"
	"strings"
	"testing"

	"authguard/internal/config"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	calls []call
	out   []byte
	err   error
	// errOnPrefix fails only commands whose joined args start with it.
	errOnPrefix string
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	joined := strings.Join(args, " ")
	if f.errOnPrefix != "" {
		if strings.HasPrefix(joined, f.errOnPrefix) {
			return f.out, errors.New("exit status 1")
		}
		return nil, nil
	}
	return f.out, f.err
}

func TestNewSelectsBackend(t *testing.T) {
	tests := []struct {
		backend string
		wantErr bool
	}{
		{"nftables", false},
		{"iptables", false},
		{"noop", false},
		{"", false},
		{"pf", true},
	}
	for _, tt := range tests {
		_, err := New(config.EnforceConfig{Backend: tt.backend})
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q) error = %v, wantErr %v", tt.backend, err, tt.wantErr)
		}
	}
}

func TestInvalidIPRefused(t *testing.T) {
	enforcers := []Enforcer{NewNftables(""), NewIptables("")}
	for _, e := range enforcers {
		for _, ip := range []string{"not-an-ip", "127.0.0.1", "0.0.0.0", ""} {
			if err := e.Apply(context.Background(), ip); !errors.Is(err, ErrInvalidIP) {
				t.Errorf("%T.Apply(%q) = %v, want ErrInvalidIP", e, ip, err)
			}
		}
	}
}

func TestNftablesApply(t *testing.T) {
	f := &fakeRunner{}
	n := NewNftables("/usr/sbin/nft")
	n.run = f.run

	if err := n.Apply(context.Background(), "203.0.113.1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(f.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(f.calls))
	}
	args := strings.Join(f.calls[0].args, " ")
	if !strings.Contains(args, "add element inet authguard blocked_ips") {
		t.Errorf("unexpected nft args: %s", args)
	}
}

func TestNftablesIPv6UsesV6Set(t *testing.T) {
	f := &fakeRunner{}
	n := NewNftables("")
	n.run = f.run

	if err := n.Apply(context.Background(), "2001:db8::1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	args := strings.Join(f.calls[0].args, " ")
	if !strings.Contains(args, "blocked_ips_v6") {
		t.Errorf("IPv6 address routed to %s", args)
	}
}

func TestNftablesRevokeMissingElementIsIdempotent(t *testing.T) {
	f := &fakeRunner{out: []byte("Error: element does not exist"), err: errors.New("exit status 1")}
	n := NewNftables("")
	n.run = f.run

	if err := n.Revoke(context.Background(), "203.0.113.1"); err != nil {
		t.Errorf("Revoke on a missing element = %v, want nil", err)
	}
}

func TestNftablesApplyFailureSurfaced(t *testing.T) {
	f := &fakeRunner{out: []byte("Error: Could not process rule"), err: errors.New("exit status 1")}
	n := NewNftables("")
	n.run = f.run

	if err := n.Apply(context.Background(), "203.0.113.1"); err == nil {
		t.Error("expected an error when nft fails")
	}
}

func TestIptablesApplySkipsExistingRule(t *testing.T) {
	// All commands succeed, so -C reports the rule already present and
	// no insert happens.
	f := &fakeRunner{}
	i := NewIptables("/sbin/iptables")
	i.run = f.run

	if err := i.Apply(context.Background(), "203.0.113.1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(f.calls) != 1 || f.calls[0].args[0] != "-C" {
		t.Fatalf("calls = %+v, want a single -C probe", f.calls)
	}
}

func TestIptablesApplyInsertsWhenMissing(t *testing.T) {
	f := &fakeRunner{errOnPrefix: "-C"}
	i := NewIptables("/sbin/iptables")
	i.run = f.run

	if err := i.Apply(context.Background(), "203.0.113.1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(f.calls) != 2 {
		t.Fatalf("calls = %d, want probe then insert", len(f.calls))
	}
	if f.calls[1].args[0] != "-I" {
		t.Errorf("second call = %v, want -I insert", f.calls[1].args)
	}
}

func TestIptablesIPv6Binary(t *testing.T) {
	f := &fakeRunner{}
	i := NewIptables("/sbin/iptables")
	i.run = f.run

	if err := i.Apply(context.Background(), "2001:db8::2"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if f.calls[0].name != "/sbin/ip6tables" {
		t.Errorf("binary = %s, want /sbin/ip6tables", f.calls[0].name)
	}
}

func TestIptablesRevokeDeletesAllMatches(t *testing.T) {
	// Two deletes succeed, the third fails meaning no more rules.
	f := &fakeRunner{}
	count := 0
	i := NewIptables("/sbin/iptables")
	i.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		count++
		if count > 2 {
			return nil, errors.New("exit status 1")
		}
		return f.run(ctx, name, args...)
	}

	if err := i.Revoke(context.Background(), "203.0.113.1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if count != 3 {
		t.Errorf("delete attempts = %d, want 3", count)
	}
}

func TestNoop(t *testing.T) {
	var e Enforcer = Noop{}
	if err := e.Apply(context.Background(), "203.0.113.1"); err != nil {
		t.Errorf("Noop.Apply: %v", err)
	}
	if err := e.Revoke(context.Background(), "203.0.113.1"); err != nil {
		t.Errorf("Noop.Revoke: %v", err)
	}
}
