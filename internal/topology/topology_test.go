package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoSocket = `
packages: 2
numa_per_package: 2
cores_per_numa: 4
threads_per_core: 2
devices:
  - {name: mlx5_0, kind: ib, numa: 2}
  - {name: gpu0, kind: gpu, numa: 0}
  - {name: gpu1, kind: gpu, numa: 3}
`

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "3", want: []int{3}},
		{in: "0-3,8,10-11", want: []int{0, 1, 2, 3, 8, 10, 11}},
		{in: "2,1,2,0-1", want: []int{0, 1, 2}},
		{in: "4-2", wantErr: true},
		{in: "a", wantErr: true},
		{in: "1,,2", wantErr: true},
		{in: "-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCPUList(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadCPUList)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStaticCounts(t *testing.T) {
	s, err := ParseStatic([]byte(twoSocket))
	require.NoError(t, err)

	assert.Equal(t, 1, s.NumObjects(ObjMachine))
	assert.Equal(t, 2, s.NumPackages())
	assert.Equal(t, 4, s.NumObjects(ObjNUMA))
	assert.Equal(t, 16, s.NumObjects(ObjCore))
	assert.Equal(t, 32, s.NumObjects(ObjHWThread))
	assert.Equal(t, 2, s.NumObjects(ObjL3Cache))
	assert.Equal(t, []string{"mlx5_0", "gpu0", "gpu1"}, s.Devices())
}

func TestStaticNUMARegionsSortedByDistance(t *testing.T) {
	s, err := ParseStatic([]byte(twoSocket))
	require.NoError(t, err)

	regions, ndev := s.NUMARegions("mlx5_0")
	assert.Equal(t, 1, ndev)
	ids := make([]int, len(regions))
	for i, r := range regions {
		ids[i] = r.ID
	}
	// 同一區域、同 package 的另一區域，再來是另一個 package（依編號）
	assert.Equal(t, []int{2, 3, 0, 1}, ids)

	_, ndev = s.NUMARegions("gpu")
	assert.Equal(t, 2, ndev)

	regions, ndev = s.NUMARegions("missing")
	assert.Zero(t, ndev)
	assert.Empty(t, regions)
}

func TestStaticCPUs(t *testing.T) {
	s, err := ParseStatic([]byte(twoSocket))
	require.NoError(t, err)

	assert.Equal(t, 4, s.CPUs(1, "", false))
	assert.Equal(t, 8, s.CPUs(1, "", true))
	assert.Equal(t, 16, s.CPUs(-1, "", false))
	// region 1 是 core 4-7
	assert.Equal(t, 2, s.CPUs(1, "0-5", false))
	// hwthread 編號：core 4 是 pu 8,9
	assert.Equal(t, 1, s.CPUs(1, "9", true))
	assert.Equal(t, 0, s.CPUs(7, "", false))
	assert.Equal(t, 0, s.CPUs(0, "bogus", false))
}

func TestNoNUMAInfo(t *testing.T) {
	s, err := NewStatic(StaticSpec{Packages: 2, CoresPerNUMA: 4, Devices: []DeviceSpec{{Name: "eth0"}}})
	require.NoError(t, err)

	regions, ndev := s.NUMARegions("eth0")
	assert.Equal(t, 1, ndev)
	assert.Empty(t, regions)
	assert.Equal(t, 8, s.CPUs(-1, "", false))
	assert.Zero(t, s.NumObjects(ObjNUMA))
}

func TestStaticValidation(t *testing.T) {
	_, err := NewStatic(StaticSpec{Packages: 1, NUMAPerPackage: 1, Devices: []DeviceSpec{{Name: "x", NUMA: 3}}})
	require.Error(t, err)

	_, err = ParseStatic([]byte("packages: [1"))
	require.Error(t, err)
}

func TestLoadStaticAndRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoSocket), 0o644))

	s, err := LoadStatic(path)
	require.NoError(t, err)

	reg := NewRegistry()
	reg.Set("two-socket", s)
	reg.Set("flat", Flat(4))

	got, err := reg.Get("two-socket")
	require.NoError(t, err)
	assert.Equal(t, 2, got.NumPackages())
	assert.Equal(t, []string{"flat", "two-socket"}, reg.Names())

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownTopology)

	_, err = LoadStatic(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
