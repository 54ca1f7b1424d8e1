package identity

import (
	"context"
	"errors"
	"os"
	"testing"
)

func stubHost(t *testing.T, hostname, hostID string, err error) {
	t.Helper()
	orig := hostInfo
	hostInfo = func(context.Context) (string, string, error) { return hostname, hostID, err }
	t.Cleanup(func() { hostInfo = orig })
}

func TestResolveConfiguredWins(t *testing.T) {
	stubHost(t, "box", "abcdef0123456789", nil)
	id, err := Resolve(context.Background(), "  indexer-7 ")
	if err != nil || id != "indexer-7" {
		t.Fatalf("Resolve = %q, %v", id, err)
	}
}

func TestResolveFromHost(t *testing.T) {
	cases := []struct {
		name, host, hostID, want string
	}{
		{"uuid", "box", "ABCDEF01-2345-6789", "box-abcdef01"},
		{"short id", "box", "12ab", "box-12ab"},
		{"no id", "box", "", "box"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stubHost(t, tc.host, tc.hostID, nil)
			id, err := Resolve(context.Background(), "")
			if err != nil || id != tc.want {
				t.Fatalf("Resolve = %q, %v; want %q", id, err, tc.want)
			}
		})
	}
}

func TestResolveFallsBackToOSHostname(t *testing.T) {
	stubHost(t, "", "", errors.New("no host info"))
	want, err := os.Hostname()
	if err != nil {
		t.Skipf("os.Hostname unavailable: %v", err)
	}
	id, err := Resolve(context.Background(), "")
	if err != nil || id != want {
		t.Fatalf("Resolve = %q, %v; want %q", id, err, want)
	}
}

func TestCurrent(t *testing.T) {
	stubHost(t, "box", "id", nil)
	info := Current(context.Background(), "box-id")
	if info.ClientID != "box-id" || info.Hostname != "box" || info.PID != os.Getpid() {
		t.Fatalf("unexpected info %+v", info)
	}
}
