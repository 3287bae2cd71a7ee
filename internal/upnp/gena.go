package upnp

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	genaPathPrefix = "/gena/"
	maxEventBody   = 64 << 10
)

// genaSubscription is one GENA subscription. Its callback URL carries a
// random token so NOTIFY requests can be routed before the SID is known.
type genaSubscription struct {
	cp       *ControlPoint
	svc      *Service
	duration time.Duration
	cb       SubscriptionCallback
	token    string

	mu       sync.Mutex
	sid      string
	timeout  time.Duration
	nextSeq  uint32
	seqKnown bool
	ended    bool
}

func (s *genaSubscription) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

func (s *genaSubscription) Service() *Service { return s.svc }

func (s *genaSubscription) jobName() string { return "gena-renew:" + s.token }

func (s *genaSubscription) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// End stops renewals and sends a best-effort UNSUBSCRIBE.
func (s *genaSubscription) End() {
	s.terminate(Unsubscribed, true)
}

// terminate ends s once and reports reason to the callback. The router is
// only told when notify is set.
func (s *genaSubscription) terminate(reason CancelReason, notify bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	sid := s.sid
	s.mu.Unlock()

	s.cp.sched.Cancel(s.jobName())
	s.cp.dropSubscription(s.token)
	if notify && sid != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.cp.opts.ActionTimeout)
		if err := s.cp.unsubscribe(ctx, s.svc, sid); err != nil {
			s.cp.logger.Debug("UNSUBSCRIBE failed", zap.Stringer("service", s.svc), zap.String("sid", sid), zap.Error(err))
		}
		cancel()
	}
	s.cb.Ended(s, reason, nil)
}

// Subscribe starts a GENA subscription in the background.
func (cp *ControlPoint) Subscribe(svc *Service, duration time.Duration, cb SubscriptionCallback) Subscription {
	s := &genaSubscription{
		cp:       cp,
		svc:      svc,
		duration: duration,
		cb:       cb,
		token:    uuid.NewString(),
	}
	if svc.EventSubURL == "" {
		s.ended = true
		go cb.Failed(s, ErrNoEventURL)
		return s
	}
	if !cp.addSubscription(s) {
		s.ended = true
		go cb.Failed(s, ErrClosed)
		return s
	}
	go s.establish()
	return s
}

func (s *genaSubscription) establish() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cp.opts.ActionTimeout)
	defer cancel()

	sid, timeout, err := s.cp.subscribe(ctx, s.svc, s.token, "", s.duration)
	if err != nil {
		if !s.isEnded() {
			s.cb.Failed(s, err)
		}
		return
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		_ = s.cp.unsubscribe(ctx, s.svc, sid)
		return
	}
	s.sid = sid
	s.timeout = timeout
	s.mu.Unlock()

	s.cp.logger.Debug("GENA subscription established",
		zap.Stringer("service", s.svc), zap.String("sid", sid), zap.Duration("timeout", timeout))
	s.scheduleRenewal(timeout)
	s.cb.Established(s)
}

func (s *genaSubscription) scheduleRenewal(timeout time.Duration) {
	if err := s.cp.sched.Schedule(s.jobName(), timeout/2, s.renew); err != nil {
		s.cp.logger.Debug("renewal not scheduled", zap.Stringer("service", s.svc), zap.Error(err))
	}
}

func (s *genaSubscription) renew() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	sid, timeout := s.sid, s.timeout
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cp.opts.ActionTimeout)
	defer cancel()

	_, granted, err := s.cp.subscribe(ctx, s.svc, s.token, sid, s.duration)
	if s.isEnded() {
		return
	}
	if err != nil {
		s.scheduleRenewal(timeout)
		s.cb.Ended(s, RenewalFailed, err)
		return
	}
	s.mu.Lock()
	s.timeout = granted
	s.mu.Unlock()
	s.scheduleRenewal(granted)
	s.cb.Renewed(s)
}

// deliver applies SEQ bookkeeping and hands the values to the callback.
func (s *genaSubscription) deliver(seq uint32, values map[string]string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	missed := 0
	if s.seqKnown && seq != 0 {
		switch {
		case seq < s.nextSeq:
			s.mu.Unlock()
			return
		case seq > s.nextSeq:
			missed = int(seq - s.nextSeq)
		}
	}
	s.seqKnown = true
	s.nextSeq = seq + 1
	if seq == math.MaxUint32 {
		s.nextSeq = 1
	}
	s.mu.Unlock()

	if missed > 0 {
		s.cb.EventsMissed(s, missed)
	}
	s.cb.EventReceived(s, values)
}

// subscribe sends SUBSCRIBE, or a renewal when sid is set, and returns the
// granted SID and timeout.
func (cp *ControlPoint) subscribe(ctx context.Context, svc *Service, token, sid string, duration time.Duration) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", svc.EventSubURL, nil)
	if err != nil {
		return "", 0, err
	}
	if sid == "" {
		callback, err := cp.callbackURL(svc, token)
		if err != nil {
			return "", 0, err
		}
		req.Header.Set("CALLBACK", "<"+callback+">")
		req.Header.Set("NT", "upnp:event")
	} else {
		req.Header.Set("SID", sid)
	}
	req.Header.Set("TIMEOUT", fmt.Sprintf("Second-%d", int(duration/time.Second)))

	resp, err := cp.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("SUBSCRIBE %s: %w", svc.EventSubURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("SUBSCRIBE %s: unexpected status %s", svc.EventSubURL, resp.Status)
	}
	granted := resp.Header.Get("SID")
	if granted == "" {
		if sid == "" {
			return "", 0, fmt.Errorf("SUBSCRIBE %s: response without SID", svc.EventSubURL)
		}
		granted = sid
	}
	return granted, parseTimeout(resp.Header.Get("TIMEOUT"), duration), nil
}

func (cp *ControlPoint) unsubscribe(ctx context.Context, svc *Service, sid string) error {
	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", svc.EventSubURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("SID", sid)
	resp, err := cp.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// parseTimeout reads "Second-N" or "infinite", falling back to def.
func parseTimeout(v string, def time.Duration) time.Duration {
	v = strings.TrimSpace(strings.ToLower(v))
	if !strings.HasPrefix(v, "second-") {
		return def
	}
	n, err := strconv.Atoi(strings.TrimPrefix(v, "second-"))
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// callbackURL builds the NOTIFY address advertised to the device. The host
// is the local address the device was discovered on.
func (cp *ControlPoint) callbackURL(svc *Service, token string) (string, error) {
	port := cp.callbackPort()
	if port == 0 {
		return "", fmt.Errorf("upnp: callback listener not running")
	}
	var local net.IP
	if d := svc.Device(); d != nil {
		local = d.Root().LocalAddr
	}
	if local == nil {
		ip, err := localAddrTowards(svc.EventSubURL)
		if err != nil {
			return "", err
		}
		local = ip
	}
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(local.String(), strconv.Itoa(port)),
		Path:   genaPathPrefix + token,
	}
	return u.String(), nil
}

// localAddrTowards finds the local address the kernel routes target through.
func localAddrTowards(target string) (net.IP, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	host := u.Port()
	if host == "" {
		host = "80"
	}
	conn, err := net.Dial("udp4", net.JoinHostPort(u.Hostname(), host))
	if err != nil {
		return nil, fmt.Errorf("upnp: no route to %s: %w", u.Host, err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// handleNotify serves GENA NOTIFY requests.
func (cp *ControlPoint) handleNotify(c *gin.Context) {
	s := cp.lookupSubscription(c.Param("token"))
	if s == nil {
		c.Status(http.StatusPreconditionFailed)
		return
	}
	nt, nts := c.GetHeader("NT"), c.GetHeader("NTS")
	if nt == "" || nts == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	if nt != "upnp:event" || nts != "upnp:propchange" {
		c.Status(http.StatusPreconditionFailed)
		return
	}
	if sid := c.GetHeader("SID"); sid != "" {
		if known := s.ID(); known != "" && known != sid {
			c.Status(http.StatusPreconditionFailed)
			return
		}
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(c.GetHeader("SEQ")), 10, 32)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	values, err := ParsePropertySet(body)
	if err != nil {
		cp.logger.Warn("discarding malformed event", zap.Stringer("service", s.svc), zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}
	c.Status(http.StatusOK)
	s.deliver(uint32(seq), values)
}
