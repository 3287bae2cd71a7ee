package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"igdnat/internal/igd"
)

type addressView struct {
	IP  string `json:"ip"`
	NAT string `json:"nat"`
}

type addressResponse struct {
	Addresses []addressView `json:"addresses"`
}

type bandwidthResponse struct {
	Available bool    `json:"available"`
	Up        *uint64 `json:"up,omitempty"`
	Down      *uint64 `json:"down,omitempty"`
}

type portView struct {
	Port     int    `json:"port" binding:"required,min=1,max=65535"`
	Protocol string `json:"protocol" binding:"omitempty,oneof=tcp udp TCP UDP"`
	Name     string `json:"name"`
}

// SetPortsRequest 是 PUT /v1/ports 的请求体，空列表表示撤销全部映射
type SetPortsRequest struct {
	Ports []portView `json:"ports" binding:"required,dive"`
}

type portsResponse struct {
	Ports []portView `json:"ports"`
}

func (s *Server) getAddress(c *gin.Context) {
	ips := s.backend.Address(c.Request.Context())
	if len(ips) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	resp := addressResponse{Addresses: make([]addressView, 0, len(ips))}
	for _, ip := range ips {
		resp.Addresses = append(resp.Addresses, addressView{IP: ip.IP.String(), NAT: ip.NATLimitation.String()})
	}
	OkWithData(resp, c)
}

func (s *Server) getBandwidth(c *gin.Context) {
	rates, ok := s.backend.Bandwidth(c.Request.Context())
	if !ok {
		OkWithData(bandwidthResponse{}, c)
		return
	}
	OkWithData(bandwidthResponse{Available: true, Up: &rates.Up, Down: &rates.Down}, c)
}

func (s *Server) getPorts(c *gin.Context) {
	OkWithData(portsResponse{Ports: toViews(s.backend.Ports())}, c)
}

func (s *Server) putPorts(c *gin.Context) {
	cr := GetBindRequest[SetPortsRequest](c)

	ports := make([]igd.ForwardPort, 0, len(cr.Ports))
	for _, p := range cr.Ports {
		ports = append(ports, igd.ForwardPort{Name: p.Name, Protocol: igd.ParseProtocol(p.Protocol), Port: p.Port})
	}
	s.backend.SetPorts(c.Request.Context(), ports)
	OkWithData(portsResponse{Ports: toViews(s.backend.Ports())}, c)
}

func (s *Server) getStatus(c *gin.Context) {
	OkWithData(s.backend.Status(), c)
}

func (s *Server) getGateways(c *gin.Context) {
	OkWithData(s.backend.Gateways(), c)
}

func toViews(ports []igd.ForwardPort) []portView {
	out := make([]portView, 0, len(ports))
	for _, p := range ports {
		out = append(out, portView{Port: p.Port, Protocol: strings.ToLower(p.Protocol.String()), Name: p.Name})
	}
	return out
}
