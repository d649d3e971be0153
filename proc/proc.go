// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package proc provides functionality for retrieving kernel module and
// executable code ranges via /proc.
package proc // import "go.opentelemetry.io/cpuprof/proc"

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/modulerange"
)

// DefaultMountPoint is where procfs is usually mounted.
const DefaultMountPoint = "/proc"

// KernelPath is the module path of the kernel image itself.
const KernelPath = "vmlinux"

// ErrNoPermission is returned when kernel addresses are hidden.
var ErrNoPermission = errors.New("kernel addresses are zero - check process permissions")

// kernelText returns the bounds of the kernel text section from kallsyms.
func kernelText(kallsymsPath string) (start, end libpf.Address, err error) {
	file, err := os.Open(kallsymsPath)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to open %s: %v", kallsymsPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() && (start == 0 || end == 0) {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			return 0, 0, fmt.Errorf("unexpected line in kallsyms: '%s'", scanner.Text())
		}
		if fields[2] != "_stext" && fields[2] != "_etext" {
			continue
		}
		address, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to parse address value: '%s'", fields[0])
		}
		if address == 0 {
			return 0, 0, ErrNoPermission
		}
		if fields[2] == "_stext" {
			start = libpf.Address(address)
		} else {
			end = libpf.Address(address)
		}
	}
	if err = scanner.Err(); err != nil {
		return 0, 0, err
	}
	if start == 0 || end <= start {
		return 0, 0, errors.New("unable to find kernel text section")
	}
	return start, end, nil
}

// KernelRanges returns the code ranges of the kernel and its loaded modules.
func KernelRanges(root string) ([]modulerange.Range, error) {
	stext, etext, err := kernelText(filepath.Join(root, "kallsyms"))
	if err != nil {
		return nil, err
	}
	log.Debugf("Found KERNEL TEXT at %x-%x", stext, etext)
	ranges := []modulerange.Range{{Base: stext, Size: uint64(etext - stext), Path: KernelPath}}

	modulesPath := filepath.Join(root, "modules")
	file, err := os.Open(modulesPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %v", modulesPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var size, refcount, address uint64
		var name, dependencies, state string

		line := scanner.Text()
		nFields, _ := fmt.Sscanf(line, "%s %d %d %s %s 0x%x",
			&name, &size, &refcount, &dependencies, &state, &address)
		if nFields < 6 {
			return nil, fmt.Errorf("unexpected line in modules: '%s'", line)
		}
		if address == 0 {
			return nil, fmt.Errorf("%w: '%s'", ErrNoPermission, line)
		}
		ranges = append(ranges, modulerange.Range{
			Base: libpf.Address(address),
			Size: size,
			Path: name,
		})
	}
	return ranges, scanner.Err()
}

// CodeRanges returns the executable file mappings of pid. Anonymous and
// special mappings like [vdso] are skipped.
func CodeRanges(root string, pid libpf.PID) ([]modulerange.Range, error) {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, err
	}
	p, err := fs.Proc(int(pid))
	if err != nil {
		return nil, err
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("failed to read mappings of PID %d: %w", pid, err)
	}

	var ranges []modulerange.Range
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Execute || !strings.HasPrefix(m.Pathname, "/") {
			continue
		}
		ranges = append(ranges, modulerange.Range{
			Base: libpf.Address(m.StartAddr),
			Size: uint64(m.EndAddr - m.StartAddr),
			Path: m.Pathname,
		})
	}
	return ranges, nil
}

// Children returns the direct children of pid.
func Children(root string, pid libpf.PID) ([]libpf.PID, error) {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, err
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, err
	}
	var children []libpf.PID
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// The process exited in the meantime.
			continue
		}
		if stat.PPID == int(pid) {
			children = append(children, libpf.PID(p.PID))
		}
	}
	return children, nil
}

// IsPIDLive checks if a PID belongs to a live process. It will never produce a false negative but
// may produce a false positive (e.g. due to permissions) in which case an error will also be
// returned.
func IsPIDLive(pid libpf.PID) (bool, error) {
	// A kill syscall with a 0 signal is documented to still do the check
	// whether the process exists: https://linux.die.net/man/2/kill
	err := unix.Kill(int(pid), 0)
	if err == nil {
		return true, nil
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ESRCH:
			return false, nil
		case unix.EPERM:
			// continue with procfs fallback
		default:
			return true, err
		}
	}

	path := fmt.Sprintf("%s/%d/maps", DefaultMountPoint, pid)
	_, err = os.Stat(path)

	if err != nil && os.IsNotExist(err) {
		return false, nil
	}

	return true, err
}
