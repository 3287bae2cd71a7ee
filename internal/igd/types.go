// Package igd holds the gateway domain model shared by the engine
// components: service classification, the guarded service and address
// stores, and the port forwarding types exchanged with the host.
package igd

import (
	"fmt"
	"net"
	"strings"
)

// NATLimitation describes what the detected address allows.
type NATLimitation int

const (
	// NATNotSupported: the address was reported by a NAT router, so
	// inbound traffic needs a port mapping.
	NATNotSupported NATLimitation = iota
)

func (l NATLimitation) String() string {
	return "not_supported"
}

// DetectedIP is an external address learned from a gateway.
type DetectedIP struct {
	IP            net.IP
	NATLimitation NATLimitation
}

func (d DetectedIP) Equal(o DetectedIP) bool {
	return d.IP.Equal(o.IP) && d.NATLimitation == o.NATLimitation
}

// Protocol is a transport protocol of a forwarded port.
type Protocol int

const (
	UDP Protocol = iota
	TCP
)

// ParseProtocol maps "tcp" to TCP and anything else to UDP.
func ParseProtocol(s string) Protocol {
	if strings.EqualFold(strings.TrimSpace(s), "tcp") {
		return TCP
	}
	return UDP
}

// String returns the router-facing name, "UDP" or "TCP".
func (p Protocol) String() string {
	if p == TCP {
		return "TCP"
	}
	return "UDP"
}

// ForwardPort is a port the host wants reachable from outside.
type ForwardPort struct {
	Name     string
	Protocol Protocol
	Port     int
}

func (p ForwardPort) String() string {
	return fmt.Sprintf("%d/%s (%s)", p.Port, strings.ToLower(p.Protocol.String()), p.Name)
}

// StatusCode is the outcome of forwarding one port.
type StatusCode int

const (
	// MaybeSuccess: the router accepted the mapping. End to end
	// reachability is not verified.
	MaybeSuccess StatusCode = iota
	DefiniteFailure
)

func (s StatusCode) String() string {
	if s == DefiniteFailure {
		return "definite_failure"
	}
	return "maybe_success"
}

// ForwardPortStatus is reported for every port a reconciliation pass tried
// to add.
type ForwardPortStatus struct {
	Status       StatusCode
	Reason       string
	ExternalPort int
}

// ForwardPortCallback receives the statuses of one gateway service.
type ForwardPortCallback interface {
	PortForwardStatus(statuses map[ForwardPort]ForwardPortStatus)
}

// ForwardPortCallbackFunc adapts a function to ForwardPortCallback.
type ForwardPortCallbackFunc func(statuses map[ForwardPort]ForwardPortStatus)

func (f ForwardPortCallbackFunc) PortForwardStatus(statuses map[ForwardPort]ForwardPortStatus) {
	f(statuses)
}
