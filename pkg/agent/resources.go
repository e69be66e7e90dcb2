package agent

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hivemind-network/hivemind/pkg/config"
	"github.com/hivemind-network/hivemind/pkg/models"
)

// Resources are the capabilities a worker declares at registration
type Resources struct {
	CPUCores     int
	MemoryBytes  int64
	StorageBytes int64
	GPUs         []models.GPUInfo
}

// DetectResources probes the host for CPU, memory and disk. GPUs are
// taken from config; the agent trusts the operator's declaration rather
// than probing driver libraries.
func DetectResources(gpus []config.GPUDecl) Resources {
	res := Resources{}

	if counts, err := cpu.Counts(true); err == nil {
		res.CPUCores = counts
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		res.MemoryBytes = int64(vm.Total)
	}
	if du, err := disk.Usage("/"); err == nil {
		res.StorageBytes = int64(du.Free)
	}

	for _, g := range gpus {
		res.GPUs = append(res.GPUs, models.GPUInfo{
			Name:         g.Name,
			VRAMMB:       g.VRAMMB,
			ComputeUnits: g.ComputeUnits,
		})
	}
	return res
}
