package cgroups

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/open-lambda/wdog/common"
)

const cgroupRoot = "/sys/fs/cgroup"

// Limiter hands out one cgroup per worker process, all nested under a
// single parent group that carries the instance name.
type Limiter struct {
	Name   string
	base   string
	limits common.LimitsConfig

	mu     sync.Mutex
	nextID int
}

// hostUID finds the uid that owns our delegated slice, which differs
// from os.Getuid() inside a user namespace.
func hostUID() int {
	if b, err := os.ReadFile("/proc/self/uid_map"); err == nil {
		for _, ln := range strings.Split(string(b), "\n") {
			fs := strings.Fields(ln)
			// first mapping: "0 <host_uid> <size>"
			if len(fs) >= 2 && fs[0] == "0" {
				if hid, err := strconv.Atoi(fs[1]); err == nil && hid >= 0 {
					return hid
				}
			}
		}
	}
	if su := os.Getenv("SUDO_UID"); su != "" {
		if hid, err := strconv.Atoi(su); err == nil && hid > 0 {
			return hid
		}
	}
	return os.Getuid()
}

// prefer the systemd user slice when present
func delegatedUserCgroupBase() (string, error) {
	uid := hostUID()
	p := fmt.Sprintf("%s/user.slice/user-%d.slice/user@%d.service/user.slice", cgroupRoot, uid, uid)
	if st, err := os.Stat(p); err == nil && st.IsDir() {
		return p, nil
	}
	return "", fmt.Errorf("delegated user cgroup base not found for uid %d", uid)
}

// writeOK reports whether a controller file exists and is writable by us.
func writeOK(p string) bool {
	st, err := os.Stat(p)
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	f, err := os.OpenFile(p, os.O_WRONLY, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// NewLimiter creates the parent group for this instance, under the
// delegated user slice if there is one.
func NewLimiter(name string, limits common.LimitsConfig) (*Limiter, error) {
	if base, err := delegatedUserCgroupBase(); err == nil {
		if !strings.HasSuffix(name, ".slice") {
			name += ".slice"
		}
		return NewLimiterAt(base, name, limits)
	}
	return NewLimiterAt(cgroupRoot, name, limits)
}

// NewLimiterAt is NewLimiter with an explicit parent directory.
func NewLimiterAt(base, name string, limits common.LimitsConfig) (*Limiter, error) {
	l := &Limiter{
		Name:   name,
		base:   base,
		limits: limits,
	}

	groupPath := l.GroupPath()
	l.printf("using cgroup base: %s", groupPath)
	if err := os.MkdirAll(groupPath, 0o700); err != nil {
		return nil, fmt.Errorf("MkdirAll %s: %w", groupPath, err)
	}

	// Best-effort: make controllers available to child groups. Later
	// writes are skipped when delegation is missing.
	rpath := filepath.Join(groupPath, "cgroup.subtree_control")
	if f, err := os.OpenFile(rpath, os.O_WRONLY|os.O_APPEND, 0); err == nil {
		_, _ = f.WriteString("+pids +memory +cpu\n")
		_ = f.Close()
	} else {
		l.printf("WARN: could not write %s (%v); continuing without delegating controllers", rpath, err)
	}

	return l, nil
}

func (l *Limiter) GroupPath() string {
	return path.Join(l.base, l.Name)
}

// NewCgroup creates a fresh group with the configured limits applied.
func (l *Limiter) NewCgroup() (Cgroup, error) {
	t := common.T0("fresh-cgroup")
	defer t.T1()

	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		l.nextID++
		cg := &CgroupImpl{
			name:    fmt.Sprintf("cg-%d", l.nextID),
			limiter: l,
		}

		if err := os.Mkdir(cg.GroupPath(), 0o700); err != nil {
			// a previous run may have left cg-N behind
			if os.IsExist(err) {
				continue
			}
			return nil, fmt.Errorf("Mkdir %s: %w", cg.GroupPath(), err)
		}

		cg.applyLimits(l.limits)
		cg.printf("created")
		return cg, nil
	}
}

// Destroy removes the parent group. Every child must be gone already.
func (l *Limiter) Destroy() {
	gpath := l.GroupPath()
	l.printf("Destroying cgroup limiter with path \"%s\"", gpath)
	if err := rmdirRetry(gpath); err != nil {
		l.printf("WARN: %v", err)
	}
}

func (l *Limiter) printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Info(fmt.Sprintf("%s [CGROUP LIMITER %s]", strings.TrimRight(msg, "\n"), l.Name))
}

// CgroupImpl is a cgroup v2 directory.
type CgroupImpl struct {
	name    string
	limiter *Limiter
}

func (cg *CgroupImpl) Name() string {
	return cg.name
}

func (cg *CgroupImpl) GroupPath() string {
	return path.Join(cg.limiter.GroupPath(), cg.name)
}

func (cg *CgroupImpl) ResourcePath(resource string) string {
	return path.Join(cg.GroupPath(), resource)
}

func (cg *CgroupImpl) printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Info(fmt.Sprintf("%s [CGROUP %s]", strings.TrimRight(msg, "\n"), cg.name))
}

// WriteString writes a controller file, skipping (with a warning)
// controllers that were not delegated to us.
func (cg *CgroupImpl) WriteString(resource string, val string) {
	p := cg.ResourcePath(resource)
	if !writeOK(p) {
		cg.printf("WARN: skipping write %s (no delegation/permission)", resource)
		return
	}
	if err := os.WriteFile(p, []byte(val), 0o600); err != nil {
		cg.printf("WARN: write %s: %v", resource, err)
	}
}

func (cg *CgroupImpl) WriteInt(resource string, val int64) {
	cg.WriteString(resource, strconv.FormatInt(val, 10))
}

func (cg *CgroupImpl) applyLimits(limits common.LimitsConfig) {
	if limits.Procs > 0 {
		cg.WriteInt("pids.max", int64(limits.Procs))
	}
	if limits.Mem_mb > 0 {
		cg.WriteInt("memory.max", int64(limits.Mem_mb)*1024*1024)
	}
	if limits.CPU_percent > 0 {
		// quota per 100ms period
		cg.WriteString("cpu.max", fmt.Sprintf("%d 100000", limits.CPU_percent*1000))
	}
}

func (cg *CgroupImpl) AddPid(pid int) error {
	p := cg.ResourcePath("cgroup.procs")
	if err := os.WriteFile(p, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("add pid %d to %s: %w", pid, cg.name, err)
	}
	return nil
}

func (cg *CgroupImpl) GetPIDs() ([]int, error) {
	raw, err := os.ReadFile(cg.ResourcePath("cgroup.procs"))
	if err != nil {
		return nil, err
	}

	var pids []int
	for _, ln := range strings.Fields(string(raw)) {
		pid, err := strconv.Atoi(ln)
		if err != nil {
			return nil, fmt.Errorf("bad pid %q in cgroup.procs", ln)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func (cg *CgroupImpl) KillAllProcs() {
	if writeOK(cg.ResourcePath("cgroup.kill")) {
		cg.WriteString("cgroup.kill", "1")
		return
	}

	// kernels before 5.14 have no cgroup.kill
	pids, err := cg.GetPIDs()
	if err != nil {
		cg.printf("WARN: could not list pids: %v", err)
		return
	}
	for _, pid := range pids {
		syscall.Kill(pid, syscall.SIGKILL)
	}
}

func (cg *CgroupImpl) Destroy() {
	if err := rmdirRetry(cg.GroupPath()); err != nil {
		cg.printf("WARN: %v", err)
		return
	}
	cg.printf("destroyed")
}

// an emptied cgroup can take a moment before rmdir succeeds
func rmdirRetry(gpath string) error {
	var err error
	for i := 0; i < 100; i++ {
		if err = syscall.Rmdir(gpath); err == nil || os.IsNotExist(err) {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("Rmdir %s: %w", gpath, err)
}
