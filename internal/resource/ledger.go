package resource

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/model"
)

// Usage is the allocated and total quantity of one resource dimension
type Usage struct {
	Name      string  `json:"name"`
	Allocated float64 `json:"allocated"`
	Total     float64 `json:"total"`
}

// String formats the usage the way status reports show it
func (u Usage) String() string {
	return fmt.Sprintf("%g/%g", u.Allocated, u.Total)
}

// Ledger tracks total versus reserved capacity across resource dimensions.
// Allocated quantities are only ever changed through Reserve and Release.
type Ledger struct {
	logger    *zap.Logger
	mu        sync.Mutex
	total     model.ResourceRequirement
	allocated model.ResourceRequirement
}

// NewLedger creates a ledger with the given total capacity
func NewLedger(total model.ResourceRequirement, logger *zap.Logger) *Ledger {
	return &Ledger{
		logger: logger.Named("resource-ledger"),
		total:  total.Clone(),
		allocated: model.ResourceRequirement{
			CustomResources: make(map[string]float64),
		},
	}
}

// CanReserve reports whether req fits in the remaining capacity
func (l *Ledger) CanReserve(req model.ResourceRequirement) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fits(req)
}

// Reserve adds req to the allocation and returns the snapshot that must later
// be handed to Release. Callers check CanReserve first; TryReserve does both
// under one lock.
func (l *Ledger) Reserve(req model.ResourceRequirement) model.ResourceRequirement {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserve(req)
}

// TryReserve reserves req if it fits
func (l *Ledger) TryReserve(req model.ResourceRequirement) (model.ResourceRequirement, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.fits(req) {
		return model.ResourceRequirement{}, false
	}
	return l.reserve(req), true
}

// Release returns a snapshot previously obtained from Reserve
func (l *Ledger) Release(snapshot model.ResourceRequirement) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.allocated.CPUCores = clampSub(l.allocated.CPUCores, snapshot.CPUCores)
	l.allocated.MemoryMB = clampSub(l.allocated.MemoryMB, snapshot.MemoryMB)
	l.allocated.NetworkBandwidthMbps = clampSub(l.allocated.NetworkBandwidthMbps, snapshot.NetworkBandwidthMbps)
	l.allocated.StorageGB = clampSub(l.allocated.StorageGB, snapshot.StorageGB)

	for name, amount := range snapshot.CustomResources {
		current, ok := l.allocated.CustomResources[name]
		if !ok {
			continue
		}
		current -= amount
		if current <= epsilon {
			delete(l.allocated.CustomResources, name)
			continue
		}
		l.allocated.CustomResources[name] = current
	}

	l.logger.Debug("Resources released",
		zap.Float64("cpu_cores", snapshot.CPUCores),
		zap.Float64("memory_mb", snapshot.MemoryMB),
		zap.Float64("allocated_cpu_cores", l.allocated.CPUCores))
}

// Allocated returns a copy of the currently reserved quantities
func (l *Ledger) Allocated() model.ResourceRequirement {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allocated.Clone()
}

// Total returns a copy of the capacity
func (l *Ledger) Total() model.ResourceRequirement {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total.Clone()
}

// Usage reports allocated versus total for every standard dimension and every
// custom resource known to either side, sorted by name after the standard ones
func (l *Ledger) Usage() []Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	usage := []Usage{
		{Name: "cpu_cores", Allocated: l.allocated.CPUCores, Total: l.total.CPUCores},
		{Name: "memory_mb", Allocated: l.allocated.MemoryMB, Total: l.total.MemoryMB},
		{Name: "network_bandwidth_mbps", Allocated: l.allocated.NetworkBandwidthMbps, Total: l.total.NetworkBandwidthMbps},
		{Name: "storage_gb", Allocated: l.allocated.StorageGB, Total: l.total.StorageGB},
	}

	names := make(map[string]struct{})
	for name := range l.total.CustomResources {
		names[name] = struct{}{}
	}
	for name := range l.allocated.CustomResources {
		names[name] = struct{}{}
	}
	custom := make([]string, 0, len(names))
	for name := range names {
		custom = append(custom, name)
	}
	sort.Strings(custom)
	for _, name := range custom {
		usage = append(usage, Usage{
			Name:      name,
			Allocated: l.allocated.CustomResources[name],
			Total:     l.total.CustomResources[name],
		})
	}
	return usage
}

const epsilon = 1e-9

func (l *Ledger) fits(req model.ResourceRequirement) bool {
	if l.allocated.CPUCores+req.CPUCores > l.total.CPUCores+epsilon {
		return false
	}
	if l.allocated.MemoryMB+req.MemoryMB > l.total.MemoryMB+epsilon {
		return false
	}
	if l.allocated.NetworkBandwidthMbps+req.NetworkBandwidthMbps > l.total.NetworkBandwidthMbps+epsilon {
		return false
	}
	if l.allocated.StorageGB+req.StorageGB > l.total.StorageGB+epsilon {
		return false
	}

	// Custom resources missing from the total have zero capacity
	for name, amount := range req.CustomResources {
		if l.allocated.CustomResources[name]+amount > l.total.CustomResources[name]+epsilon {
			return false
		}
	}
	return true
}

func (l *Ledger) reserve(req model.ResourceRequirement) model.ResourceRequirement {
	l.allocated.CPUCores += req.CPUCores
	l.allocated.MemoryMB += req.MemoryMB
	l.allocated.NetworkBandwidthMbps += req.NetworkBandwidthMbps
	l.allocated.StorageGB += req.StorageGB

	for name, amount := range req.CustomResources {
		l.allocated.CustomResources[name] += amount
	}

	l.logger.Debug("Resources reserved",
		zap.Float64("cpu_cores", req.CPUCores),
		zap.Float64("memory_mb", req.MemoryMB),
		zap.Float64("allocated_cpu_cores", l.allocated.CPUCores))

	return req.Clone()
}

func clampSub(current, amount float64) float64 {
	v := current - amount
	if v < epsilon {
		return 0
	}
	return v
}
