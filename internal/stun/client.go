package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"go.uber.org/zap"
)

const defaultPort = "3478"

// ErrNoServers 表示没有配置 STUN 服务器
var ErrNoServers = errors.New("no STUN servers configured")

// Mapping 表示 STUN 映射的内部/外部地址
type Mapping struct {
	InternalIP   net.IP
	InternalPort int
	ExternalIP   net.IP
	ExternalPort int
}

func (m *Mapping) External() string {
	return net.JoinHostPort(m.ExternalIP.String(), fmt.Sprint(m.ExternalPort))
}

// Client 是 STUN 客户端，用于交叉验证路由器报告的外网地址
type Client struct {
	udpServers []string
	timeout    time.Duration
	logger     *zap.Logger
}

// NewClient 创建一个 STUN 客户端实例。
// udpServers 是 STUN 服务器列表，可带端口，默认 3478；timeout 用于单个服务器的请求超时。
func NewClient(udpServers []string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		udpServers: udpServers,
		timeout:    timeout,
		logger:     logger,
	}
}

// Enabled 表示是否配置了服务器
func (c *Client) Enabled() bool { return len(c.udpServers) > 0 }

// UDPMapping 依次询问服务器，返回第一个成功的映射地址
func (c *Client) UDPMapping(ctx context.Context) (*Mapping, error) {
	if !c.Enabled() {
		return nil, ErrNoServers
	}
	var lastErr error
	for _, server := range c.udpServers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := c.query(ctx, server)
		if err != nil {
			c.logger.Warn("STUN transaction failed", zap.String("server", server), zap.Error(err))
			lastErr = err
			continue
		}
		return m, nil
	}
	return nil, fmt.Errorf("all UDP STUN servers failed: %w", lastErr)
}

func (c *Client) query(ctx context.Context, server string) (*Mapping, error) {
	addr := server
	if _, _, err := net.SplitHostPort(server); err != nil {
		addr = net.JoinHostPort(server, defaultPort)
	}
	c.logger.Debug("STUN UDP dialing", zap.String("server", addr))

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	// 创建 STUN 事务客户端，Close 会关闭 conn
	client, err := stun.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer client.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	var xorAddr stun.XORMappedAddress
	var txnErr error
	err = client.Do(message, func(ev stun.Event) {
		if ev.Error != nil {
			txnErr = ev.Error
			return
		}
		if getErr := xorAddr.GetFrom(ev.Message); getErr != nil {
			txnErr = getErr
		}
	})
	if err == nil {
		err = txnErr
	}
	if err != nil {
		return nil, err
	}

	local := conn.LocalAddr().(*net.UDPAddr)
	return &Mapping{
		InternalIP:   local.IP,
		InternalPort: local.Port,
		ExternalIP:   xorAddr.IP,
		ExternalPort: xorAddr.Port,
	}, nil
}
