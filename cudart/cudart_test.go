//go:build linux && (amd64 || arm64)

package cudart

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestSearchPathsFromEnv(t *testing.T) {
	t.Setenv(LibraryPathsEnv, "/opt/cuda/lib64::/usr/lib/cuda")
	require.Equal(t, []string{"/opt/cuda/lib64", "/usr/lib/cuda"}, SearchPaths())
}

func TestFindLibrary(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(LibraryPathsEnv, dir)
	_, found := FindLibrary()
	require.False(t, found)

	libPath := filepath.Join(dir, "libcudart.so.12")
	require.NoError(t, os.WriteFile(libPath, nil, 0o644))
	got, found := FindLibrary()
	require.True(t, found)
	require.Equal(t, libPath, got)
}

func TestLoadLibraryPaths(t *testing.T) {
	dir := t.TempDir()
	includeDir := filepath.Join(dir, "ld.so.conf.d")
	require.NoError(t, os.Mkdir(includeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(includeDir, "cuda.conf"), []byte("/usr/local/cuda-12/lib64\n"), 0o644))
	conf := filepath.Join(dir, "ld.so.conf")
	content := fmt.Sprintf("# comment\ninclude %s/*.conf\n/usr/lib/extra\n", includeDir)
	require.NoError(t, os.WriteFile(conf, []byte(content), 0o644))

	paths := loadLibraryPaths([]string{"/first"}, conf)
	require.Equal(t, []string{"/first", "/usr/local/cuda-12/lib64", "/usr/lib/extra"}, paths)
}

// TestLoad only runs where a CUDA capable GPU is present.
func TestLoad(t *testing.T) {
	if !Available() {
		t.Skip("CUDA runtime not available")
	}
	rt, err := Load()
	require.NoError(t, err)
	fmt.Printf("Loaded %s\n", rt)
	count, err := rt.DeviceCount()
	require.NoError(t, err)
	fmt.Printf("\t%d devices\n", count)
	rt2, err := Load()
	require.NoError(t, err)
	require.Same(t, rt, rt2)
}

func TestDefaultSearchPaths(t *testing.T) {
	t.Setenv(LibraryPathsEnv, "") // Restored at the end of the test.
	require.NoError(t, os.Unsetenv(LibraryPathsEnv))
	t.Setenv("CUDA_PATH", "")
	t.Setenv("CUDA_HOME", "/opt/cuda-test")
	t.Setenv("LD_LIBRARY_PATH", "relative/lib::/opt/extra/lib")
	paths := SearchPaths()
	require.Equal(t, []string{"/opt/cuda-test/lib64", "/opt/cuda-test/lib"}, paths[:2])
	require.Contains(t, paths, "/usr/local/cuda/lib64")
	require.Contains(t, paths, "/opt/extra/lib")
	require.NotContains(t, paths, "relative/lib")
	require.NotContains(t, paths, "")
}
