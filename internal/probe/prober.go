package probe

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Prober executes a reachability check against one device.
type Prober interface {
	Probe(ctx context.Context, device Device) Result
}

// ICMPProber pings devices using ICMP via pro-bing.
type ICMPProber struct {
	timeout time.Duration
	count   int
}

// NewICMPProber creates an ICMP prober with the given per-probe timeout and
// number of echo requests per probe.
func NewICMPProber(timeout time.Duration, count int) *ICMPProber {
	if count < 1 {
		count = 1
	}
	return &ICMPProber{timeout: timeout, count: count}
}

// Probe pings the device. The device is reachable if at least one echo reply
// arrives before the timeout.
func (p *ICMPProber) Probe(ctx context.Context, device Device) Result {
	pinger, err := probing.NewPinger(device.Address)
	if err != nil {
		// Addresses are validated at configuration load; reaching this
		// means the host resolution failed at runtime.
		return Result{Device: device.Name, CheckedAt: time.Now().UTC(), Err: err.Error()}
	}

	pinger.Count = p.count
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	// Run pinger in a goroutine for context cancellation.
	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case runErr := <-done:
		stats := pinger.Statistics()
		result := Result{Device: device.Name, CheckedAt: time.Now().UTC()}
		if runErr != nil {
			result.Err = runErr.Error()
			return result
		}
		result.Reachable = stats.PacketsRecv > 0
		if result.Reachable {
			result.Latency = stats.AvgRtt
		} else {
			result.Err = "no echo reply"
		}
		return result

	case <-ctx.Done():
		pinger.Stop()
		return Result{Device: device.Name, CheckedAt: time.Now().UTC(), Err: "probe cancelled"}
	}
}

// TCPProber checks reachability with a TCP connect. Phones that silently drop
// ICMP usually still accept or reset a connection attempt on a known port.
type TCPProber struct {
	timeout time.Duration
}

// NewTCPProber creates a TCP prober with the given connect timeout.
func NewTCPProber(timeout time.Duration) *TCPProber {
	return &TCPProber{timeout: timeout}
}

// Probe dials the device's configured port. A completed connection counts as
// reachable; refusal, timeout, or unreachable network count as not reachable.
func (p *TCPProber) Probe(ctx context.Context, device Device) Result {
	dialer := net.Dialer{Timeout: p.timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", device.Target())
	result := Result{Device: device.Name, CheckedAt: time.Now().UTC()}
	if err != nil {
		result.Err = err.Error()
		return result
	}
	conn.Close()
	result.Reachable = true
	result.Latency = time.Since(start)
	return result
}

// ForKind returns the prober for a probe kind. Unknown kinds are rejected so
// configuration errors surface at startup, not per cycle.
func ForKind(kind Kind, timeout time.Duration, pingCount int) (Prober, error) {
	switch kind {
	case KindICMP, "":
		return NewICMPProber(timeout, pingCount), nil
	case KindTCP:
		return NewTCPProber(timeout), nil
	default:
		return nil, fmt.Errorf("unknown probe kind %q", kind)
	}
}
