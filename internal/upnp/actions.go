package upnp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/huin/goupnp/soap"
	"go.uber.org/zap"
)

// connectionClient is satisfied by the goupnp WANIPConnection1,
// WANIPConnection2 and WANPPPConnection1 clients.
type connectionClient interface {
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
	GetSpecificPortMappingEntryCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string) (uint16, string, bool, string, uint32, error)
	AddPortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error
}

func (s *Service) serviceClient() (goupnp.ServiceClient, error) {
	if s.raw == nil {
		return goupnp.ServiceClient{}, fmt.Errorf("upnp: service %s has no description", s.Key())
	}
	sc := goupnp.ServiceClient{
		SOAPClient: s.raw.NewSOAPClient(),
		RootDevice: s.root,
		Service:    s.raw,
	}
	if s.device != nil {
		sc.Location = s.device.Root().Location
	}
	return sc, nil
}

func (s *Service) connectionClient() (connectionClient, error) {
	sc, err := s.serviceClient()
	if err != nil {
		return nil, err
	}
	switch s.TypeName() {
	case TypeWANIPConnection:
		if s.Version() >= 2 {
			return &internetgateway2.WANIPConnection2{ServiceClient: sc}, nil
		}
		return &internetgateway2.WANIPConnection1{ServiceClient: sc}, nil
	case TypeWANPPPConnection:
		return &internetgateway2.WANPPPConnection1{ServiceClient: sc}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedService, s.Type)
}

// actionError turns a goupnp failure into an *ActionError, extracting the
// UPnP error code and description from SOAP faults.
func actionError(action string, err error) error {
	if err == nil {
		return nil
	}
	ae := &ActionError{Action: action, Err: err}
	var fault *soap.SOAPFaultError
	if errors.As(err, &fault) {
		ae.Code = fault.Detail.UPnPError.Errorcode
		ae.Description = strings.TrimSpace(fault.Detail.UPnPError.ErrorDescription)
		if ae.Description == "" {
			ae.Description = strings.TrimSpace(fault.FaultString)
		}
	}
	return ae
}

func (cp *ControlPoint) actionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, cp.opts.ActionTimeout)
}

// GetExternalIPAddress asks a connection service for its external address.
func (cp *ControlPoint) GetExternalIPAddress(ctx context.Context, svc *Service) (string, error) {
	c, err := svc.connectionClient()
	if err != nil {
		return "", err
	}
	ctx, cancel := cp.actionContext(ctx)
	defer cancel()

	ip, err := c.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return "", actionError("GetExternalIPAddress", err)
	}
	cp.logger.Debug("GetExternalIPAddress", zap.Stringer("service", svc), zap.String("ip", ip))
	return ip, nil
}

// GetSpecificPortMappingEntry looks up the mapping for an external port.
// Routers answer NoSuchEntryInArray (714) when there is none.
func (cp *ControlPoint) GetSpecificPortMappingEntry(ctx context.Context, svc *Service, protocol string, externalPort uint16) (PortMapping, error) {
	c, err := svc.connectionClient()
	if err != nil {
		return PortMapping{}, err
	}
	ctx, cancel := cp.actionContext(ctx)
	defer cancel()

	inPort, inClient, enabled, desc, lease, err := c.GetSpecificPortMappingEntryCtx(ctx, "", externalPort, protocol)
	if err != nil {
		return PortMapping{}, actionError("GetSpecificPortMappingEntry", err)
	}
	return PortMapping{
		ExternalPort:   externalPort,
		Protocol:       protocol,
		InternalPort:   inPort,
		InternalClient: inClient,
		Enabled:        enabled,
		Description:    desc,
		LeaseDuration:  lease,
	}, nil
}

// AddPortMapping installs m on the router.
func (cp *ControlPoint) AddPortMapping(ctx context.Context, svc *Service, m PortMapping) error {
	c, err := svc.connectionClient()
	if err != nil {
		return err
	}
	ctx, cancel := cp.actionContext(ctx)
	defer cancel()

	err = c.AddPortMappingCtx(ctx, m.RemoteHost, m.ExternalPort, m.Protocol, m.InternalPort,
		m.InternalClient, m.Enabled, m.Description, m.LeaseDuration)
	return actionError("AddPortMapping", err)
}

// DeletePortMapping removes the mapping for m's external port and protocol.
func (cp *ControlPoint) DeletePortMapping(ctx context.Context, svc *Service, m PortMapping) error {
	c, err := svc.connectionClient()
	if err != nil {
		return err
	}
	ctx, cancel := cp.actionContext(ctx)
	defer cancel()

	return actionError("DeletePortMapping", c.DeletePortMappingCtx(ctx, m.RemoteHost, m.ExternalPort, m.Protocol))
}

// GetLinkLayerMaxBitRates is only defined for WANPPPConnection services.
func (cp *ControlPoint) GetLinkLayerMaxBitRates(ctx context.Context, svc *Service) (LinkRates, error) {
	if svc.TypeName() != TypeWANPPPConnection {
		return LinkRates{}, fmt.Errorf("%w: %s", ErrUnsupportedService, svc.Type)
	}
	sc, err := svc.serviceClient()
	if err != nil {
		return LinkRates{}, err
	}
	ctx, cancel := cp.actionContext(ctx)
	defer cancel()

	c := &internetgateway2.WANPPPConnection1{ServiceClient: sc}
	up, down, err := c.GetLinkLayerMaxBitRatesCtx(ctx)
	if err != nil {
		return LinkRates{}, actionError("GetLinkLayerMaxBitRates", err)
	}
	return LinkRates{Upstream: up, Downstream: down}, nil
}

// GetCommonLinkProperties is only defined for WANCommonInterfaceConfig services.
func (cp *ControlPoint) GetCommonLinkProperties(ctx context.Context, svc *Service) (LinkRates, error) {
	if svc.TypeName() != TypeWANCommonInterfaceConfig {
		return LinkRates{}, fmt.Errorf("%w: %s", ErrUnsupportedService, svc.Type)
	}
	sc, err := svc.serviceClient()
	if err != nil {
		return LinkRates{}, err
	}
	ctx, cancel := cp.actionContext(ctx)
	defer cancel()

	c := &internetgateway2.WANCommonInterfaceConfig1{ServiceClient: sc}
	accessType, up, down, linkStatus, err := c.GetCommonLinkPropertiesCtx(ctx)
	if err != nil {
		return LinkRates{}, actionError("GetCommonLinkProperties", err)
	}
	cp.logger.Debug("GetCommonLinkProperties",
		zap.Stringer("service", svc), zap.String("access", accessType), zap.String("link", linkStatus))
	return LinkRates{Upstream: up, Downstream: down}, nil
}
