package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind 表示更新事件的类型
type Kind string

const (
	KindAddress   Kind = "address"   // 路由器报告的外网地址
	KindPort      Kind = "port"      // 端口映射结果
	KindBandwidth Kind = "bandwidth" // 链路带宽
	KindSTUN      Kind = "stun"      // STUN 探测到的映射地址
)

// UpdateEvent 表示一个状态更新事件，按 Kind 使用对应字段
type UpdateEvent struct {
	Kind Kind

	Addresses []string // KindAddress，空表示未检测到
	Address   string   // KindSTUN，格式 "IP:Port"

	Port         int    // KindPort
	Protocol     string // "tcp" 或 "udp"
	Name         string
	Status       string // "maybe_success" 或 "definite_failure"
	ExternalPort int
	Reason       string

	Up, Down uint64 // KindBandwidth，单位 bit/s
}

// PortState 是单个端口的最新映射结果
type PortState struct {
	Port         int    `json:"port"`
	Protocol     string `json:"protocol"`
	Name         string `json:"name,omitempty"`
	Status       string `json:"status"`
	ExternalPort int    `json:"external_port"`
	Reason       string `json:"reason,omitempty"`
}

// BandwidthState 是汇总后的带宽
type BandwidthState struct {
	Up   uint64 `json:"up"`
	Down uint64 `json:"down"`
}

// Snapshot 是写入状态文件及 API 返回的完整状态
type Snapshot struct {
	Addresses []string        `json:"addresses"`
	Ports     []PortState     `json:"ports"`
	Bandwidth *BandwidthState `json:"bandwidth,omitempty"`
	STUN      string          `json:"stun,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StatusManager 汇总引擎状态，写入文件并执行 Hook
type StatusManager struct {
	Updates chan UpdateEvent
	done    chan struct{}
	hookCmd string
	file    *os.File
	logger  *zap.Logger

	mutex     sync.Mutex
	addresses []string
	ports     map[string]PortState // "udp/51234" -> state
	bandwidth *BandwidthState
	stun      string
	updatedAt time.Time
	hooks     sync.WaitGroup
}

// NewManager 创建一个 StatusManager
// filePath: 状态文件路径，"" 表示不写文件；hookCmd: 可选的命令模板，
// 支持 {kind} {address} {port} {protocol} {status} {external_port} 占位符
func NewManager(filePath, hookCmd string, logger *zap.Logger) (*StatusManager, error) {
	m := &StatusManager{
		Updates: make(chan UpdateEvent, 100),
		done:    make(chan struct{}),
		hookCmd: hookCmd,
		logger:  logger,
		ports:   make(map[string]PortState),
	}
	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
		if err != nil {
			return nil, fmt.Errorf("open status file: %w", err)
		}
		m.file = f
	}
	return m, nil
}

// Run 启动状态管理循环，直到 ctx 结束
func (m *StatusManager) Run(ctx context.Context) {
	m.logger.Info("StatusManager started")
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("StatusManager exiting")
			m.hooks.Wait()
			if m.file != nil {
				m.file.Close()
			}
			return

		case ev := <-m.Updates:
			m.handleEvent(ev)
		}
	}
}

// Submit 投递事件，ctx 结束或管理器已退出时放弃
func (m *StatusManager) Submit(ctx context.Context, ev UpdateEvent) {
	select {
	case m.Updates <- ev:
	case <-ctx.Done():
	case <-m.done:
	}
}

// Snapshot 返回当前状态的副本
func (m *StatusManager) Snapshot() Snapshot {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.snapshotLocked()
}

func (m *StatusManager) snapshotLocked() Snapshot {
	s := Snapshot{
		Addresses: append([]string{}, m.addresses...),
		Ports:     make([]PortState, 0, len(m.ports)),
		STUN:      m.stun,
		UpdatedAt: m.updatedAt,
	}
	for _, p := range m.ports {
		s.Ports = append(s.Ports, p)
	}
	sort.Slice(s.Ports, func(i, j int) bool {
		if s.Ports[i].Protocol != s.Ports[j].Protocol {
			return s.Ports[i].Protocol < s.Ports[j].Protocol
		}
		return s.Ports[i].Port < s.Ports[j].Port
	})
	if m.bandwidth != nil {
		b := *m.bandwidth
		s.Bandwidth = &b
	}
	return s
}

// handleEvent 处理单次更新
func (m *StatusManager) handleEvent(ev UpdateEvent) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.applyLocked(ev) {
		// 未变化，跳过
		return
	}
	m.updatedAt = time.Now()
	m.logger.Info("Status updated", zap.String("kind", string(ev.Kind)),
		zap.String("address", eventAddress(ev)), zap.Int("port", ev.Port), zap.String("status", ev.Status))

	// 写入文件
	if err := m.writeFile(); err != nil {
		m.logger.Warn("Failed to write status file", zap.Error(err))
	}

	// 执行 Hook
	if m.hookCmd != "" {
		m.runHook(m.expandHook(ev))
	}
}

// applyLocked 更新状态，返回是否有变化
func (m *StatusManager) applyLocked(ev UpdateEvent) bool {
	switch ev.Kind {
	case KindAddress:
		if slices.Equal(m.addresses, ev.Addresses) {
			return false
		}
		m.addresses = append([]string(nil), ev.Addresses...)
	case KindPort:
		proto := strings.ToLower(ev.Protocol)
		key := proto + "/" + strconv.Itoa(ev.Port)
		next := PortState{
			Port:         ev.Port,
			Protocol:     proto,
			Name:         ev.Name,
			Status:       ev.Status,
			ExternalPort: ev.ExternalPort,
			Reason:       ev.Reason,
		}
		if old, ok := m.ports[key]; ok && old == next {
			return false
		}
		m.ports[key] = next
	case KindBandwidth:
		next := BandwidthState{Up: ev.Up, Down: ev.Down}
		if m.bandwidth != nil && *m.bandwidth == next {
			return false
		}
		m.bandwidth = &next
	case KindSTUN:
		if m.stun == ev.Address {
			return false
		}
		m.stun = ev.Address
	default:
		m.logger.Warn("Unknown status event", zap.String("kind", string(ev.Kind)))
		return false
	}
	return true
}

func (m *StatusManager) runHook(cmdStr string) {
	m.logger.Debug("Executing hook", zap.String("cmd", cmdStr))
	cmd := exec.CommandContext(context.Background(), "sh", "-c", cmdStr)
	if err := cmd.Start(); err != nil {
		m.logger.Warn("Hook failed to start", zap.Error(err))
		return
	}
	m.hooks.Add(1)
	go func() {
		defer m.hooks.Done()
		if err := cmd.Wait(); err != nil {
			m.logger.Warn("Hook exited with error", zap.String("cmd", cmdStr), zap.Error(err))
		}
	}()
}

// writeFile 将当前状态写入 JSON 文件
func (m *StatusManager) writeFile() error {
	if m.file == nil {
		return nil
	}
	// 清空并写入
	if _, err := m.file.Seek(0, 0); err != nil {
		return err
	}
	if err := m.file.Truncate(0); err != nil {
		return err
	}

	enc := json.NewEncoder(m.file)
	enc.SetIndent("", "  ")
	return enc.Encode(m.snapshotLocked())
}

// expandHook 用事件内容替换占位符
func (m *StatusManager) expandHook(ev UpdateEvent) string {
	r := strings.NewReplacer(
		"{kind}", string(ev.Kind),
		"{address}", eventAddress(ev),
		"{port}", strconv.Itoa(ev.Port),
		"{protocol}", strings.ToLower(ev.Protocol),
		"{status}", ev.Status,
		"{external_port}", strconv.Itoa(ev.ExternalPort),
	)
	return r.Replace(m.hookCmd)
}

func eventAddress(ev UpdateEvent) string {
	if ev.Kind == KindAddress {
		return strings.Join(ev.Addresses, ",")
	}
	return ev.Address
}
