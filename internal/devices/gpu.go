// Package devices lists the compute devices available: NVidia GPUs (queried with the nvidia-smi tool)
// and the host CPU.
package devices

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NvidiaSMI is the name of the NVidia diagnostic tool binary.
const NvidiaSMI = "nvidia-smi"

// ErrNoNvidiaSMI is returned (wrapped) by QueryGPUs if the nvidia-smi binary is not found.
var ErrNoNvidiaSMI = errors.New("nvidia-smi not found")

// gpuQueryFields are queried in this order, and must match parseGPU.
var gpuQueryFields = []string{
	"index", "uuid", "name", "memory.total", "memory.used", "memory.free", "utilization.gpu",
}

// GPU information reported by nvidia-smi. Numeric values not reported by the driver ("[N/A]") are -1.
type GPU struct {
	Index                                        int
	UUID, Name                                   string
	MemoryTotalMiB, MemoryUsedMiB, MemoryFreeMiB int
	UtilizationPercent                           int
}

// String implements fmt.Stringer.
func (gpu GPU) String() string {
	return fmt.Sprintf("GPU #%d %s: %d/%d MiB used, %d%% utilization",
		gpu.Index, gpu.Name, gpu.MemoryUsedMiB, gpu.MemoryTotalMiB, gpu.UtilizationPercent)
}

// Runner runs a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// execRunner runs the command with os/exec.
func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, errors.Wrapf(ErrNoNvidiaSMI, "looking for %q", name)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "running %s %s: %s", name, strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return output, nil
}

// Querier queries the GPUs with nvidia-smi. The zero value is ready to use.
type Querier struct {
	// Run executes the nvidia-smi command. If nil, it uses os/exec.
	Run Runner
}

// QueryGPUs lists the GPUs using the system's nvidia-smi.
func QueryGPUs(ctx context.Context) ([]GPU, error) {
	return (&Querier{}).QueryGPUs(ctx)
}

// QueryGPUs lists the GPUs reported by nvidia-smi.
func (q *Querier) QueryGPUs(ctx context.Context) ([]GPU, error) {
	run := q.Run
	if run == nil {
		run = execRunner
	}
	args := []string{
		"--query-gpu=" + strings.Join(gpuQueryFields, ","),
		"--format=csv,noheader,nounits",
	}
	output, err := run(ctx, NvidiaSMI, args...)
	if err != nil {
		return nil, err
	}
	gpus, err := ParseGPUs(output)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("%s reported %d GPU(s)", NvidiaSMI, len(gpus))
	return gpus, nil
}

// ParseGPUs parses the output of
// "nvidia-smi --query-gpu=index,uuid,name,memory.total,memory.used,memory.free,utilization.gpu --format=csv,noheader,nounits".
func ParseGPUs(output []byte) ([]GPU, error) {
	reader := csv.NewReader(bytes.NewReader(output))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = len(gpuQueryFields)
	var gpus []GPU
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s output", NvidiaSMI)
		}
		gpu, err := parseGPU(record)
		if err != nil {
			return nil, errors.WithMessagef(err, "parsing %s output line %q", NvidiaSMI, strings.Join(record, ", "))
		}
		gpus = append(gpus, gpu)
	}
	return gpus, nil
}

func parseGPU(record []string) (GPU, error) {
	ints := make([]int, 0, 5)
	for _, idx := range []int{0, 3, 4, 5, 6} {
		value, err := parseInt(record[idx])
		if err != nil {
			return GPU{}, errors.WithMessagef(err, "field %q", gpuQueryFields[idx])
		}
		ints = append(ints, value)
	}
	gpu := GPU{
		Index:              ints[0],
		UUID:               strings.TrimSpace(record[1]),
		Name:               strings.TrimSpace(record[2]),
		MemoryTotalMiB:     ints[1],
		MemoryUsedMiB:      ints[2],
		MemoryFreeMiB:      ints[3],
		UtilizationPercent: ints[4],
	}
	return gpu, nil
}

// parseInt parses an integer field, where "[N/A]" (or similar, like "[Not Supported]") become -1.
func parseInt(field string) (int, error) {
	field = strings.TrimSpace(field)
	if strings.HasPrefix(field, "[") {
		return -1, nil
	}
	value, err := strconv.Atoi(field)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid integer %q", field)
	}
	return value, nil
}

// AvailableGPUs returns the GPUs using at most maxUsedMiB of memory and at most maxUtilization percent
// of compute, sorted by free memory (most free first). GPUs with unknown usage are not considered
// available.
func AvailableGPUs(gpus []GPU, maxUsedMiB, maxUtilization int) []GPU {
	var available []GPU
	for _, gpu := range gpus {
		if gpu.MemoryUsedMiB < 0 || gpu.UtilizationPercent < 0 {
			continue
		}
		if gpu.MemoryUsedMiB <= maxUsedMiB && gpu.UtilizationPercent <= maxUtilization {
			available = append(available, gpu)
		}
	}
	slices.SortStableFunc(available, func(a, b GPU) int {
		return b.MemoryFreeMiB - a.MemoryFreeMiB
	})
	return available
}
