// Package identity resolves the client id this process uses as lock holder
// and run client reference.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Info describes the running client.
type Info struct {
	ClientID  string    `json:"client_id"`
	Hostname  string    `json:"hostname"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// hostInfo is swapped in tests.
var hostInfo = func(ctx context.Context) (hostname, hostID string, err error) {
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", "", err
	}
	return hi.Hostname, hi.HostID, nil
}

// Resolve returns configured when set, otherwise <hostname>-<first 8 chars
// of the host id>. The result is opaque to the rest of the system.
func Resolve(ctx context.Context, configured string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		return id, nil
	}
	hostname, hostID, err := hostInfo(ctx)
	if err != nil || hostname == "" {
		// gopsutil can fail in minimal containers
		h, herr := os.Hostname()
		if herr != nil {
			return "", errors.Join(err, herr)
		}
		hostname = h
	}
	hostID = strings.ReplaceAll(strings.ToLower(hostID), "-", "")
	if len(hostID) > 8 {
		hostID = hostID[:8]
	}
	if hostID == "" {
		return hostname, nil
	}
	return fmt.Sprintf("%s-%s", hostname, hostID), nil
}

// Current describes this process under clientID.
func Current(ctx context.Context, clientID string) Info {
	info := Info{ClientID: clientID, PID: os.Getpid()}
	if h, _, err := hostInfo(ctx); err == nil && h != "" {
		info.Hostname = h
	} else if h, err := os.Hostname(); err == nil {
		info.Hostname = h
	}
	if p, err := gopsproc.NewProcessWithContext(ctx, int32(info.PID)); err == nil {
		if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
			info.StartedAt = time.UnixMilli(ms).UTC()
		}
	}
	return info
}
