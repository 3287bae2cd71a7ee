// Package upnp is the boundary to the UPnP control point: device discovery,
// SOAP action invocation and GENA event subscriptions against an IGD.
//
// The interfaces describe what the IGD engine consumes; ControlPoint is the
// implementation on top of github.com/huin/goupnp, with GENA eventing (which
// goupnp does not provide) implemented here.
//
// Example:
//
//	cp, _ := upnp.NewControlPoint(upnp.Options{}, sched, logger)
//	cp.AddListener(listener)
//	_ = cp.Start(ctx)
//	ip, err := cp.GetExternalIPAddress(ctx, svc)
package upnp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Device type URNs searched for during discovery.
const (
	URNInternetGatewayDevice1 = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"
	URNInternetGatewayDevice2 = "urn:schemas-upnp-org:device:InternetGatewayDevice:2"
)

var (
	// ErrNoEventURL is reported when a service has no eventing endpoint.
	ErrNoEventURL = errors.New("upnp: service has no event subscription URL")
	// ErrClosed is returned by a control point that has been shut down.
	ErrClosed = errors.New("upnp: control point closed")
	// ErrUnsupportedService is returned when an action is invoked on a
	// service type that does not define it.
	ErrUnsupportedService = errors.New("upnp: action not supported by service type")
)

// ActionError is a failed action invocation as reported by the router.
type ActionError struct {
	Action      string
	Code        int    // UPnP error code, 0 if the failure was not a UPnP fault
	Description string // e.g. "ConflictInMappingEntry"
	Err         error
}

func (e *ActionError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("upnp: %s failed: %d %s", e.Action, e.Code, e.Description)
	}
	return fmt.Sprintf("upnp: %s failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Detail returns the most specific failure text available.
func (e *ActionError) Detail() string {
	if e.Description != "" {
		return e.Description
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

// PortMapping is a router-side forwarding rule.
type PortMapping struct {
	RemoteHost     string
	ExternalPort   uint16
	Protocol       string // "TCP" or "UDP"
	InternalPort   uint16
	InternalClient string
	Enabled        bool
	Description    string
	LeaseDuration  uint32
}

func (m PortMapping) String() string {
	return fmt.Sprintf("%s %d -> %s:%d (%s)", m.Protocol, m.ExternalPort, m.InternalClient, m.InternalPort, m.Description)
}

// LinkRates are maximum bit rates in bits per second.
type LinkRates struct {
	Upstream   uint32
	Downstream uint32
}

// Actions are the synchronous SOAP actions the engine invokes.
type Actions interface {
	GetExternalIPAddress(ctx context.Context, svc *Service) (string, error)
	GetSpecificPortMappingEntry(ctx context.Context, svc *Service, protocol string, externalPort uint16) (PortMapping, error)
	AddPortMapping(ctx context.Context, svc *Service, m PortMapping) error
	DeletePortMapping(ctx context.Context, svc *Service, m PortMapping) error
	GetLinkLayerMaxBitRates(ctx context.Context, svc *Service) (LinkRates, error)
	GetCommonLinkProperties(ctx context.Context, svc *Service) (LinkRates, error)
}

// CancelReason tells why a subscription ended.
type CancelReason int

const (
	// Unsubscribed: ended by End, including on shutdown.
	Unsubscribed CancelReason = iota
	RenewalFailed
	// DeviceRemoved: the device left the network; no UNSUBSCRIBE was sent.
	DeviceRemoved
)

func (r CancelReason) String() string {
	switch r {
	case Unsubscribed:
		return "UNSUBSCRIBED"
	case RenewalFailed:
		return "RENEWAL_FAILED"
	case DeviceRemoved:
		return "DEVICE_WAS_REMOVED"
	default:
		return fmt.Sprintf("CancelReason(%d)", int(r))
	}
}

// Subscription is a live GENA subscription handle.
type Subscription interface {
	// ID is the SID granted by the device, empty until established.
	ID() string
	Service() *Service
	// End stops renewals and unsubscribes. It never invokes callbacks.
	End()
}

// SubscriptionCallback receives subscription lifecycle notifications.
// Callbacks may arrive on any goroutine.
type SubscriptionCallback interface {
	Established(sub Subscription)
	Renewed(sub Subscription)
	Failed(sub Subscription, err error)
	Ended(sub Subscription, reason CancelReason, err error)
	EventReceived(sub Subscription, values map[string]string)
	EventsMissed(sub Subscription, missed int)
}

// Subscriber creates event subscriptions. Subscribe returns at once; the
// outcome is reported through cb.
type Subscriber interface {
	Subscribe(svc *Service, duration time.Duration, cb SubscriptionCallback) Subscription
}

// RegistryListener is notified of root devices appearing and disappearing.
// Notifications are delivered one at a time.
type RegistryListener interface {
	DeviceAdded(d *Device)
	DeviceRemoved(d *Device)
}

// Client is the full control point surface.
type Client interface {
	Actions
	Subscriber
	AddListener(l RegistryListener)
	Search(ctx context.Context) error
	Shutdown() error
}
