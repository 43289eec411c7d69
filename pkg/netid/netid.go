// Package netid reports the relay's externally reachable address and detects when it changes.
//
// Upstream providers that whitelist caller addresses silently reject requests from an address
// they do not recognize. Surfacing address changes to operators lets them update the whitelist
// before failures pile up.
package netid

import (
	"net"
	"sync"
	"time"
)

// Unknown is reported when no usable address is found.
const Unknown = "unknown"

// Identity is an address observation.
type Identity struct {
	Address    string    `json:"address"`
	ObservedAt time.Time `json:"observed_at"`
}

// Change is the result of comparing the current address with a previous one.
type Change struct {
	Changed bool
	Address string
}

// InterfaceLister enumerates host interfaces and their addresses.
type InterfaceLister interface {
	Interfaces() ([]net.Interface, error)
	Addrs(iface net.Interface) ([]net.Addr, error)
}

type hostInterfaces struct{}

func (hostInterfaces) Interfaces() ([]net.Interface, error) {
	return net.Interfaces()
}

func (hostInterfaces) Addrs(iface net.Interface) ([]net.Addr, error) {
	return iface.Addrs()
}

// Monitor inspects local interfaces. It keeps no state between calls.
type Monitor struct {
	lister InterfaceLister
}

// NewMonitor returns a Monitor over the host's interfaces.
func NewMonitor() *Monitor {
	return &Monitor{lister: hostInterfaces{}}
}

// NewMonitorWithLister returns a Monitor over lister. Used in tests.
func NewMonitorWithLister(lister InterfaceLister) *Monitor {
	return &Monitor{lister: lister}
}

// CurrentAddress returns the first IPv4 address of an up, non-loopback interface, or Unknown.
// It does not send any traffic.
func (m *Monitor) CurrentAddress() string {
	ifaces, err := m.lister.Interfaces()
	if err != nil {
		return Unknown
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := m.lister.Addrs(iface)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String()
			}
		}
	}
	return Unknown
}

// CheckForChange compares the current address with previous.
func (m *Monitor) CheckForChange(previous string) Change {
	current := m.CurrentAddress()
	return Change{Changed: current != previous, Address: current}
}

// Tracker remembers the last observed identity on behalf of a caller. It is safe for concurrent
// use.
type Tracker struct {
	monitor *Monitor
	now     func() time.Time

	lock sync.Mutex
	last Identity
}

// NewTracker records the current address as the baseline. The first [Tracker.Observe] reports a
// change only if the address moved after construction.
func NewTracker(monitor *Monitor) *Tracker {
	t := &Tracker{monitor: monitor, now: time.Now}
	t.last = Identity{Address: monitor.CurrentAddress(), ObservedAt: t.now()}
	return t
}

// Current returns the last observed identity.
func (t *Tracker) Current() Identity {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.last
}

// Observe checks the address, records it, and reports whether it changed.
func (t *Tracker) Observe() Change {
	t.lock.Lock()
	defer t.lock.Unlock()
	change := t.monitor.CheckForChange(t.last.Address)
	t.last = Identity{Address: change.Address, ObservedAt: t.now()}
	return change
}
