package upnp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/huin/goupnp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"igdnat/internal/scheduler"
)

const descriptionXML = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
 <specVersion><major>1</major><minor>0</minor></specVersion>
 <device>
  <deviceType>urn:schemas-upnp-org:device:InternetGatewayDevice:1</deviceType>
  <friendlyName>Test Router</friendlyName>
  <manufacturer>Acme</manufacturer>
  <modelName>R1</modelName>
  <UDN>uuid:igd-1</UDN>
  <deviceList>
   <device>
    <deviceType>urn:schemas-upnp-org:device:WANDevice:1</deviceType>
    <UDN>uuid:wan-1</UDN>
    <serviceList>
     <service>
      <serviceType>urn:schemas-upnp-org:service:WANCommonInterfaceConfig:1</serviceType>
      <serviceId>urn:upnp-org:serviceId:WANCommonIFC1</serviceId>
      <SCPDURL>/cic.xml</SCPDURL>
      <controlURL>/ctl/cic</controlURL>
      <eventSubURL>/evt/cic</eventSubURL>
     </service>
    </serviceList>
    <deviceList>
     <device>
      <deviceType>urn:schemas-upnp-org:device:WANConnectionDevice:1</deviceType>
      <UDN>uuid:wcd-1</UDN>
      <serviceList>
       <service>
        <serviceType>urn:schemas-upnp-org:service:%s</serviceType>
        <serviceId>urn:upnp-org:serviceId:Conn1</serviceId>
        <SCPDURL>/conn.xml</SCPDURL>
        <controlURL>/ctl/conn</controlURL>
        <eventSubURL>/evt/conn</eventSubURL>
       </service>
      </serviceList>
     </device>
    </deviceList>
   </device>
  </deviceList>
 </device>
</root>`

// fakeRouter serves a device description, SOAP control and GENA
// subscription endpoints.
type fakeRouter struct {
	t      *testing.T
	server *httptest.Server

	mu      sync.Mutex
	soap    map[string]string // action name -> response body (inner action XML or fault)
	faults  map[string]bool
	actions []string
	genaFn  func(w http.ResponseWriter, r *http.Request)
	gena    []*http.Request
}

func newFakeRouter(t *testing.T, connType string) *fakeRouter {
	fr := &fakeRouter{t: t, soap: map[string]string{}, faults: map[string]bool{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/desc.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = fmt.Fprintf(w, descriptionXML, connType)
	})
	mux.HandleFunc("/ctl/", fr.handleSOAP)
	mux.HandleFunc("/evt/", func(w http.ResponseWriter, r *http.Request) {
		fr.mu.Lock()
		fr.gena = append(fr.gena, r.Clone(context.Background()))
		fn := fr.genaFn
		fr.mu.Unlock()
		if fn == nil {
			w.Header().Set("SID", "uuid:sid-1")
			w.Header().Set("TIMEOUT", "Second-600")
			return
		}
		fn(w, r)
	})
	fr.server = httptest.NewServer(mux)
	t.Cleanup(fr.server.Close)
	return fr
}

func (fr *fakeRouter) respond(action, inner string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.soap[action] = inner
	delete(fr.faults, action)
}

func (fr *fakeRouter) fault(action string, code int, desc string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.soap[action] = fmt.Sprintf(`<s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring>`+
		`<detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>%d</errorCode>`+
		`<errorDescription>%s</errorDescription></UPnPError></detail></s:Fault>`, code, desc)
	fr.faults[action] = true
}

func (fr *fakeRouter) calls() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]string(nil), fr.actions...)
}

func (fr *fakeRouter) genaRequests() []*http.Request {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]*http.Request(nil), fr.gena...)
}

func (fr *fakeRouter) handleSOAP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	header := strings.Trim(r.Header.Get("SOAPACTION"), `"`)
	ns, action, _ := strings.Cut(header, "#")

	fr.mu.Lock()
	fr.actions = append(fr.actions, action)
	inner, ok := fr.soap[action]
	isFault := fr.faults[action]
	fr.mu.Unlock()

	if !ok {
		inner = fmt.Sprintf(`<u:%sResponse xmlns:u="%s"></u:%sResponse>`, action, ns, action)
	}
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	if isFault {
		w.WriteHeader(http.StatusInternalServerError)
	}
	_, _ = io.WriteString(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" `+
		`s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>`+inner+`</s:Body></s:Envelope>`)
}

// device fetches and converts the router's description the way discovery does.
func (fr *fakeRouter) device(t *testing.T) *Device {
	t.Helper()
	loc := mustParseURL(t, fr.server.URL+"/desc.xml")
	root, err := goupnp.DeviceByURLCtx(context.Background(), loc)
	require.NoError(t, err)
	return fromRootDevice(root, loc, net.ParseIP("127.0.0.1"))
}

func (fr *fakeRouter) maybeRoot(t *testing.T) goupnp.MaybeRootDevice {
	t.Helper()
	loc := mustParseURL(t, fr.server.URL+"/desc.xml")
	root, err := goupnp.DeviceByURLCtx(context.Background(), loc)
	require.NoError(t, err)
	return goupnp.MaybeRootDevice{USN: "uuid:igd-1::" + URNInternetGatewayDevice1, Root: root, Location: loc, LocalAddr: net.ParseIP("127.0.0.1")}
}

func connectionService(t *testing.T, d *Device) *Service {
	t.Helper()
	for _, svc := range d.AllServices() {
		if n := svc.TypeName(); n == TypeWANIPConnection || n == TypeWANPPPConnection {
			return svc
		}
	}
	t.Fatal("no connection service in fixture")
	return nil
}

func newTestControlPoint(t *testing.T, clk clock.Clock) *ControlPoint {
	t.Helper()
	sched := scheduler.New(clk, zap.NewNop())
	t.Cleanup(sched.Stop)
	cp := NewControlPoint(Options{CallbackAddr: "127.0.0.1:0"}, sched, zap.NewNop())
	cp.discover = func(context.Context, string) ([]goupnp.MaybeRootDevice, error) { return nil, nil }
	return cp
}
