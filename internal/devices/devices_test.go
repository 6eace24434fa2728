package devices

import (
	"context"
	"runtime"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const smiOutput = `0, GPU-3a1f2b4c-0000-1111-2222-333344445555, NVIDIA A100-SXM4-40GB, 40960, 1024, 39936, 3
1, GPU-9b8c7d6e-0000-1111-2222-333344445555, NVIDIA A100-SXM4-40GB, 40960, 30000, 10960, 97
2, GPU-00000000-0000-1111-2222-333344445555, Tesla K80, 11441, [N/A], [N/A], [Not Supported]
3, GPU-11111111-0000-1111-2222-333344445555, NVIDIA GeForce RTX 3090, 24576, 0, 24576, 0
`

func TestParseGPUs(t *testing.T) {
	gpus, err := ParseGPUs([]byte(smiOutput))
	require.NoError(t, err)
	require.Len(t, gpus, 4)
	require.Equal(t, GPU{
		Index:              0,
		UUID:               "GPU-3a1f2b4c-0000-1111-2222-333344445555",
		Name:               "NVIDIA A100-SXM4-40GB",
		MemoryTotalMiB:     40960,
		MemoryUsedMiB:      1024,
		MemoryFreeMiB:      39936,
		UtilizationPercent: 3,
	}, gpus[0])
	require.Equal(t, "Tesla K80", gpus[2].Name)
	require.Equal(t, -1, gpus[2].MemoryUsedMiB)
	require.Equal(t, -1, gpus[2].UtilizationPercent)
	require.Equal(t, "GPU #3 NVIDIA GeForce RTX 3090: 0/24576 MiB used, 0% utilization", gpus[3].String())

	empty, err := ParseGPUs(nil)
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = ParseGPUs([]byte("0, GPU-x, Some GPU, lots, 0, 0, 0\n"))
	require.ErrorContains(t, err, "memory.total")
	_, err = ParseGPUs([]byte("0, GPU-x, Some GPU\n"))
	require.Error(t, err)
}

func TestAvailableGPUs(t *testing.T) {
	gpus, err := ParseGPUs([]byte(smiOutput))
	require.NoError(t, err)
	available := AvailableGPUs(gpus, 2048, 10)
	require.Len(t, available, 2)
	require.Equal(t, 0, available[0].Index, "most free memory first")
	require.Equal(t, 3, available[1].Index)
}

func TestQuerier(t *testing.T) {
	var gotName string
	var gotArgs []string
	q := &Querier{Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return []byte(smiOutput), nil
	}}
	gpus, err := q.QueryGPUs(context.Background())
	require.NoError(t, err)
	require.Len(t, gpus, 4)
	require.Equal(t, NvidiaSMI, gotName)
	require.Equal(t, []string{
		"--query-gpu=index,uuid,name,memory.total,memory.used,memory.free,utilization.gpu",
		"--format=csv,noheader,nounits",
	}, gotArgs)

	inventory, err := q.Query(context.Background())
	require.NoError(t, err)
	require.Len(t, inventory.GPUs, 4)
	require.Equal(t, runtime.GOARCH, inventory.CPU.Architecture)
}

func TestQuerier_NoNvidiaSMI(t *testing.T) {
	q := &Querier{Run: func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.Wrap(ErrNoNvidiaSMI, "test")
	}}
	_, err := q.QueryGPUs(context.Background())
	require.ErrorIs(t, err, ErrNoNvidiaSMI)

	// A missing nvidia-smi only means no GPUs in the inventory.
	inventory, err := q.Query(context.Background())
	require.NoError(t, err)
	require.Empty(t, inventory.GPUs)
	require.Greater(t, inventory.CPU.GOMAXPROCS, 0)

	q = &Querier{Run: func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("driver crashed")
	}}
	_, err = q.Query(context.Background())
	require.ErrorContains(t, err, "driver crashed")
}
