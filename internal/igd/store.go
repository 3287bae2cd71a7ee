package igd

import (
	"sort"
	"sync"

	"igdnat/internal/upnp"
)

// ServiceSet is a guarded set of services keyed by upnp.Service.Key. The
// engine keeps one for connection services and one for common interface
// services.
type ServiceSet struct {
	mu       sync.RWMutex
	services map[string]*upnp.Service
}

func NewServiceSet() *ServiceSet {
	return &ServiceSet{services: make(map[string]*upnp.Service)}
}

// Add stores svc and reports whether it was new.
func (s *ServiceSet) Add(svc *upnp.Service) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[svc.Key()]; ok {
		return false
	}
	s.services[svc.Key()] = svc
	return true
}

// Remove deletes svc and reports whether it was present.
func (s *ServiceSet) Remove(svc *upnp.Service) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[svc.Key()]; !ok {
		return false
	}
	delete(s.services, svc.Key())
	return true
}

// RemoveDevice deletes every service owned by the root device rootUDN and
// returns them.
func (s *ServiceSet) RemoveDevice(rootUDN string) []*upnp.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []*upnp.Service
	for k, svc := range s.services {
		if svc.RootUDN() == rootUDN {
			removed = append(removed, svc)
			delete(s.services, k)
		}
	}
	sortServices(removed)
	return removed
}

func (s *ServiceSet) Contains(svc *upnp.Service) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.services[svc.Key()]
	return ok
}

func (s *ServiceSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services)
}

// Snapshot returns the services ordered by key. The slice is the caller's.
func (s *ServiceSet) Snapshot() []*upnp.Service {
	s.mu.RLock()
	out := make([]*upnp.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	s.mu.RUnlock()
	sortServices(out)
	return out
}

func sortServices(svcs []*upnp.Service) {
	sort.Slice(svcs, func(i, j int) bool { return svcs[i].Key() < svcs[j].Key() })
}

// DetectedIPMap maps a root device UDN to the external address that device
// reported most recently.
type DetectedIPMap struct {
	mu  sync.RWMutex
	ips map[string]DetectedIP
}

func NewDetectedIPMap() *DetectedIPMap {
	return &DetectedIPMap{ips: make(map[string]DetectedIP)}
}

// Set records ip for rootUDN and reports whether the stored value changed.
func (m *DetectedIPMap) Set(rootUDN string, ip DetectedIP) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.ips[rootUDN]; ok && cur.Equal(ip) {
		return false
	}
	m.ips[rootUDN] = ip
	return true
}

// ClearDevice forgets the address of rootUDN and reports whether one existed.
func (m *DetectedIPMap) ClearDevice(rootUDN string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ips[rootUDN]; !ok {
		return false
	}
	delete(m.ips, rootUDN)
	return true
}

func (m *DetectedIPMap) Get(rootUDN string) (DetectedIP, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ip, ok := m.ips[rootUDN]
	return ip, ok
}

func (m *DetectedIPMap) Has(rootUDN string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ips[rootUDN]
	return ok
}

func (m *DetectedIPMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ips)
}

// Values returns the distinct addresses, ordered by root UDN.
func (m *DetectedIPMap) Values() []DetectedIP {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.ips))
	for k := range m.ips {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]DetectedIP, 0, len(keys))
next:
	for _, k := range keys {
		ip := m.ips[k]
		for _, seen := range out {
			if seen.Equal(ip) {
				continue next
			}
		}
		out = append(out, ip)
	}
	return out
}
