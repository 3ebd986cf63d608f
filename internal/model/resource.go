package model

// ResourceRequirement describes named resource quantities. It is used both as
// total capacity and as the ask of a single execution.
type ResourceRequirement struct {
	CPUCores             float64            `json:"cpu_cores" mapstructure:"cpu_cores"`
	MemoryMB             float64            `json:"memory_mb" mapstructure:"memory_mb"`
	NetworkBandwidthMbps float64            `json:"network_bandwidth_mbps" mapstructure:"network_bandwidth_mbps"`
	StorageGB            float64            `json:"storage_gb" mapstructure:"storage_gb"`
	CustomResources      map[string]float64 `json:"custom_resources,omitempty" mapstructure:"custom_resources"`
}

// DefaultRequirement returns the ask used when a submission does not specify one
func DefaultRequirement() ResourceRequirement {
	return ResourceRequirement{
		CPUCores:             1,
		MemoryMB:             512,
		NetworkBandwidthMbps: 10,
		StorageGB:            1,
	}
}

// DefaultCapacity returns the total capacity used when none is configured
func DefaultCapacity() ResourceRequirement {
	return ResourceRequirement{
		CPUCores:             8,
		MemoryMB:             16384,
		NetworkBandwidthMbps: 1000,
		StorageGB:            100,
	}
}

// Clone returns a deep copy of the requirement
func (r ResourceRequirement) Clone() ResourceRequirement {
	c := r
	if r.CustomResources != nil {
		c.CustomResources = make(map[string]float64, len(r.CustomResources))
		for k, v := range r.CustomResources {
			c.CustomResources[k] = v
		}
	}
	return c
}

// Negative returns the name of the first dimension holding a negative quantity
func (r ResourceRequirement) Negative() (string, bool) {
	switch {
	case r.CPUCores < 0:
		return "cpu_cores", true
	case r.MemoryMB < 0:
		return "memory_mb", true
	case r.NetworkBandwidthMbps < 0:
		return "network_bandwidth_mbps", true
	case r.StorageGB < 0:
		return "storage_gb", true
	}
	for k, v := range r.CustomResources {
		if v < 0 {
			return k, true
		}
	}
	return "", false
}
