package devices

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CPU describes the host processor.
type CPU struct {
	Brand           string
	PhysicalCores   int
	LogicalCores    int
	GOMAXPROCS      int
	AVX2, AVX512    bool
	Architecture    string
	OperatingSystem string
}

// String implements fmt.Stringer.
func (c CPU) String() string {
	var features []string
	if c.AVX2 {
		features = append(features, "AVX2")
	}
	if c.AVX512 {
		features = append(features, "AVX512")
	}
	featuresDesc := "none"
	if len(features) > 0 {
		featuresDesc = strings.Join(features, ",")
	}
	return fmt.Sprintf("CPU %s (%s/%s): %d cores, %d threads, GOMAXPROCS=%d, vector extensions: %s",
		c.Brand, c.OperatingSystem, c.Architecture, c.PhysicalCores, c.LogicalCores, c.GOMAXPROCS, featuresDesc)
}

// Host returns the description of the host CPU.
func Host() CPU {
	return CPU{
		Brand:           strings.TrimSpace(cpuid.CPU.BrandName),
		PhysicalCores:   cpuid.CPU.PhysicalCores,
		LogicalCores:    cpuid.CPU.LogicalCores,
		GOMAXPROCS:      runtime.GOMAXPROCS(0),
		AVX2:            cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:          cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
		Architecture:    runtime.GOARCH,
		OperatingSystem: runtime.GOOS,
	}
}

// Inventory of the compute devices of the host.
type Inventory struct {
	CPU  CPU
	GPUs []GPU
}

// Query returns the Inventory of the host. A missing nvidia-smi is not an error: it simply
// means there are no (NVidia) GPUs.
func (q *Querier) Query(ctx context.Context) (*Inventory, error) {
	inventory := &Inventory{CPU: Host()}
	gpus, err := q.QueryGPUs(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoNvidiaSMI) {
			return nil, err
		}
		klog.V(1).Infof("No GPUs listed: %v", err)
	}
	inventory.GPUs = gpus
	return inventory, nil
}
