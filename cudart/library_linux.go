//go:build linux && (amd64 || arm64)

/*
 *	Copyright 2024 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package cudart

// This file handles finding and loading libcudart on linux.

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// libraryNames are tried in order in each search directory: the most recent versions first.
	libraryNames = []string{
		"libcudart.so.13",
		"libcudart.so.12",
		"libcudart.so.11.0",
		"libcudart.so",
	}

	reLdConfInclude = regexp.MustCompile(`^\s*include\s*(.*)$`)
	reLdConfComment = regexp.MustCompile(`^\s*#`)
	reLdConfPath    = regexp.MustCompile(`^\s*(.+?)\s*$`)
)

// SearchPaths returns the directories searched for libcudart, in order.
//
// If CUDART_LIBRARY_PATH is set, only its directories are searched. Otherwise it searches
// the CUDA_HOME/CUDA_PATH installation, /usr/local/cuda, LD_LIBRARY_PATH and the
// directories configured in /etc/ld.so.conf.
func SearchPaths() []string {
	if cudartPaths, found := os.LookupEnv(LibraryPathsEnv); found {
		return slices.DeleteFunc(strings.Split(cudartPaths, ":"), func(p string) bool {
			return p == "" // Remove empty paths.
		})
	}
	return osDefaultLibraryPaths()
}

// osDefaultLibraryPaths returns the default search paths when CUDART_LIBRARY_PATH is not set.
func osDefaultLibraryPaths() []string {
	var paths []string
	for _, env := range []string{"CUDA_HOME", "CUDA_PATH"} {
		if cudaHome := os.Getenv(env); cudaHome != "" && path.IsAbs(cudaHome) {
			paths = append(paths, filepath.Join(cudaHome, "lib64"), filepath.Join(cudaHome, "lib"))
		}
	}
	paths = append(paths, "/usr/local/cuda/lib64", "/usr/local/cuda/targets/x86_64-linux/lib")

	// Only absolute LD_LIBRARY_PATH entries are searched.
	for _, dir := range strings.Split(os.Getenv("LD_LIBRARY_PATH"), ":") {
		if path.IsAbs(dir) {
			paths = append(paths, dir)
		}
	}
	return loadLibraryPaths(paths, "/etc/ld.so.conf")
}

// loadLibraryPaths appends the paths configured in an ld.so.conf formatted file, following its includes.
func loadLibraryPaths(paths []string, fileWithIncludes string) []string {
	klog.V(2).Infof("cudart: reading library directories from %q", fileWithIncludes)
	file, err := os.Open(fileWithIncludes)
	if err != nil {
		klog.V(1).Infof("cudart: skipping %q: %v", fileWithIncludes, err)
		return paths
	}
	defer func() { _ = file.Close() }()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if parts := reLdConfInclude.FindStringSubmatch(line); len(parts) > 0 {
			pattern := parts[1]
			if !path.IsAbs(pattern) {
				pattern = filepath.Join(filepath.Dir(fileWithIncludes), pattern)
			}
			files, err := filepath.Glob(pattern)
			if err != nil {
				klog.Warningf("cudart: bad include %q in %q: %v", parts[1], fileWithIncludes, err)
				continue
			}
			for _, includeFile := range files {
				paths = loadLibraryPaths(paths, includeFile)
			}

		} else if reLdConfComment.MatchString(line) {
			continue

		} else if parts := reLdConfPath.FindStringSubmatch(line); len(parts) > 0 {
			paths = append(paths, parts[1])
		}
	}
	if err := scanner.Err(); err != nil {
		klog.Warningf("cudart: reading %q: %v", fileWithIncludes, err)
	}
	return paths
}

// FindLibrary returns the path of the first libcudart found in SearchPaths.
func FindLibrary() (string, bool) {
	for _, dir := range SearchPaths() {
		for _, name := range libraryNames {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, true
			}
		}
	}
	return "", false
}

// openLibrary dlopens libcudart, first from the search paths and then leaving it to the system's
// dynamic loader.
func openLibrary() (string, uintptr, error) {
	var candidates []string
	if libPath, found := FindLibrary(); found {
		candidates = append(candidates, libPath)
	}
	candidates = append(candidates, libraryNames...)

	var lastErr error
	for _, candidate := range candidates {
		klog.V(2).Infof("trying to load library %s", candidate)
		handle, err := purego.Dlopen(candidate, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			return candidate, handle, nil
		}
		lastErr = err
	}
	return "", 0, errors.Wrapf(lastErr, "failed to load the CUDA runtime library (tried %v): set %s to the directory "+
		"holding libcudart.so", candidates, LibraryPathsEnv)
}
