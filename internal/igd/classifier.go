package igd

import "igdnat/internal/upnp"

// Classification is what a device offers to the engine. Either service may
// be nil.
type Classification struct {
	Common     *upnp.Service
	Connection *upnp.Service
}

// Classify locates the WANCommonInterfaceConfig and the connection service
// of an Internet Gateway Device. Devices that are not gateways, or lack a
// WANDevice, yield an empty Classification.
func Classify(d *upnp.Device) Classification {
	var c Classification
	if d == nil || d.TypeName() != upnp.TypeInternetGatewayDevice {
		return c
	}
	wans := d.FindDevices(upnp.TypeWANDevice)
	if len(wans) == 0 {
		return c
	}
	wan := wans[0]
	c.Common = wan.FindService(upnp.TypeWANCommonInterfaceConfig)

	conns := wan.FindDevices(upnp.TypeWANConnectionDevice)
	if len(conns) == 0 {
		return c
	}
	conn := conns[0]
	if svc := conn.FindService(upnp.TypeWANIPConnection); svc != nil {
		c.Connection = svc
	} else {
		c.Connection = conn.FindService(upnp.TypeWANPPPConnection)
	}
	return c
}
