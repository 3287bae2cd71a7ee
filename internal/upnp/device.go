package upnp

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/huin/goupnp"
)

// Short type names of the devices and services an IGD is built from.
const (
	TypeInternetGatewayDevice    = "InternetGatewayDevice"
	TypeWANDevice                = "WANDevice"
	TypeWANConnectionDevice      = "WANConnectionDevice"
	TypeWANCommonInterfaceConfig = "WANCommonInterfaceConfig"
	TypeWANIPConnection          = "WANIPConnection"
	TypeWANPPPConnection         = "WANPPPConnection"
)

// ParseURN splits "urn:schemas-upnp-org:service:WANIPConnection:2" into its
// type name and version. Malformed input yields the whole string and 0.
func ParseURN(urn string) (name string, version int) {
	parts := strings.Split(urn, ":")
	if len(parts) < 5 {
		return urn, 0
	}
	v, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return urn, 0
	}
	return parts[len(parts)-2], v
}

// Device is a node of a discovered device tree. LocalAddr and Location are
// only set on root devices.
type Device struct {
	UDN          string
	DeviceType   string
	FriendlyName string
	Manufacturer string
	ModelName    string

	// LocalAddr is the address of this host the device was discovered on.
	LocalAddr net.IP
	Location  *url.URL

	Devices  []*Device
	Services []*Service

	parent *Device
}

// AddDevice embeds child under d.
func (d *Device) AddDevice(child *Device) {
	child.parent = d
	d.Devices = append(d.Devices, child)
}

// AddService attaches svc to d.
func (d *Device) AddService(svc *Service) {
	svc.device = d
	d.Services = append(d.Services, svc)
}

// Parent returns the embedding device, nil for a root device.
func (d *Device) Parent() *Device { return d.parent }

// Root walks up to the root device.
func (d *Device) Root() *Device {
	r := d
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// TypeName returns the short device type, e.g. "WANDevice".
func (d *Device) TypeName() string {
	name, _ := ParseURN(d.DeviceType)
	return name
}

// FindDevices returns the embedded devices (at any depth, excluding d) whose
// short type matches, in document order.
func (d *Device) FindDevices(typeName string) []*Device {
	var found []*Device
	for _, child := range d.Devices {
		if child.TypeName() == typeName {
			found = append(found, child)
		}
		found = append(found, child.FindDevices(typeName)...)
	}
	return found
}

// FindService returns the first service of d itself with the given short
// type, ignoring the version.
func (d *Device) FindService(typeName string) *Service {
	for _, svc := range d.Services {
		if svc.TypeName() == typeName {
			return svc
		}
	}
	return nil
}

// AllServices returns the services of d and every embedded device.
func (d *Device) AllServices() []*Service {
	all := append([]*Service(nil), d.Services...)
	for _, child := range d.Devices {
		all = append(all, child.AllServices()...)
	}
	return all
}

// DisplayString is a human readable identity for logs.
func (d *Device) DisplayString() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{d.Manufacturer, d.FriendlyName, d.ModelName} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return d.UDN
	}
	return fmt.Sprintf("%s (%s)", strings.Join(parts, " "), d.UDN)
}

// Service is a capability exposed by a device.
type Service struct {
	Type        string
	ID          string
	ControlURL  string
	EventSubURL string

	device *Device

	// Set when the service came from a goupnp description.
	raw  *goupnp.Service
	root *goupnp.RootDevice
}

// Device returns the owning device.
func (s *Service) Device() *Device { return s.device }

// TypeName returns the short service type, e.g. "WANPPPConnection".
func (s *Service) TypeName() string {
	name, _ := ParseURN(s.Type)
	return name
}

// Version returns the service type version.
func (s *Service) Version() int {
	_, v := ParseURN(s.Type)
	return v
}

// Key identifies the service among all discovered services.
func (s *Service) Key() string {
	id := s.ID
	if id == "" {
		id = s.Type
	}
	udn := ""
	if s.device != nil {
		udn = s.device.UDN
	}
	return udn + "|" + id
}

// RootUDN returns the UDN of the root device owning the service.
func (s *Service) RootUDN() string {
	if s.device == nil {
		return ""
	}
	return s.device.Root().UDN
}

func (s *Service) String() string {
	return fmt.Sprintf("%s (%s)", s.TypeName(), s.Key())
}

// fromRootDevice converts a goupnp description into a Device tree.
func fromRootDevice(root *goupnp.RootDevice, loc *url.URL, localAddr net.IP) *Device {
	d := convertDevice(&root.Device, root)
	d.Location = loc
	d.LocalAddr = localAddr
	return d
}

func convertDevice(src *goupnp.Device, root *goupnp.RootDevice) *Device {
	d := &Device{
		UDN:          src.UDN,
		DeviceType:   src.DeviceType,
		FriendlyName: src.FriendlyName,
		Manufacturer: src.Manufacturer,
		ModelName:    src.ModelName,
	}
	for i := range src.Services {
		raw := &src.Services[i]
		svc := &Service{
			Type: raw.ServiceType,
			ID:   raw.ServiceId,
			raw:  raw,
			root: root,
		}
		if raw.ControlURL.Ok {
			svc.ControlURL = raw.ControlURL.URL.String()
		}
		if raw.EventSubURL.Ok {
			svc.EventSubURL = raw.EventSubURL.URL.String()
		}
		d.AddService(svc)
	}
	for i := range src.Devices {
		d.AddDevice(convertDevice(&src.Devices[i], root))
	}
	return d
}
