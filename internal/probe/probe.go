// Package probe performs single-shot reachability checks against configured
// devices. A probe either succeeds or fails within a bounded timeout; an
// unreachable device is a normal result, not an error.
package probe

import (
	"fmt"
	"time"
)

// Kind selects the mechanism used to reach a device.
type Kind string

const (
	// KindICMP pings the device with ICMP echo requests.
	KindICMP Kind = "icmp"
	// KindTCP attempts a TCP connect, for devices that filter ICMP.
	KindTCP Kind = "tcp"
)

// Device is one probe target, fixed at configuration time.
type Device struct {
	// Name is the stable identifier used throughout the system
	// (presence table keys, persistence, MQTT topics).
	Name string

	// Address is a plain IP address or hostname.
	Address string

	// Kind selects the probe mechanism. Defaults to KindICMP.
	Kind Kind

	// Port is the TCP port for KindTCP probes.
	Port int
}

// Target returns the dial/ping target for the device.
func (d Device) Target() string {
	if d.Kind == KindTCP {
		return fmt.Sprintf("%s:%d", d.Address, d.Port)
	}
	return d.Address
}

// Result is the outcome of a single probe.
type Result struct {
	// Device is the name of the probed device.
	Device string

	// Reachable reports whether the device answered.
	Reachable bool

	// Latency is the measured round-trip time. Zero when unreachable.
	Latency time.Duration

	// CheckedAt is when the probe completed.
	CheckedAt time.Time

	// Err describes why the probe failed, for logging only. A timeout or
	// refused connection is expected operation, not an error condition.
	Err string
}
