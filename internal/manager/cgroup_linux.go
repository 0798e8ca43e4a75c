package manager

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const cgroupRoot = "/sys/fs/cgroup"

// DelegatedCgroup returns the unified-hierarchy cgroup directory of this
// process when it is a delegated "udev" cgroup, or "".
func DelegatedCgroup() string {
	b, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return ""
	}
	return delegatedCgroup(b)
}

func delegatedCgroup(procCgroup []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(procCgroup))
	for sc.Scan() {
		// unified hierarchy entries look like "0::/system.slice/udevd.service/udev"
		p, ok := strings.CutPrefix(sc.Text(), "0::")
		if !ok {
			continue
		}
		if strings.HasSuffix(p, "/udev") {
			return filepath.Join(cgroupRoot, p)
		}
	}
	return ""
}

// cleanupCgroup kills processes left behind in the delegated cgroup, such as
// daemons started by RUN programs. It is only called with no workers alive.
func (m *Manager) cleanupCgroup() {
	if m.cfg.Cgroup == "" {
		return
	}
	n, err := killCgroup(m.cfg.Cgroup, os.Getpid())
	if err != nil {
		m.log.Debug().Err(err).Str("cgroup", m.cfg.Cgroup).Msg("failed to clean up cgroup")
		return
	}
	if n > 0 {
		m.log.Debug().Int("processes", n).Str("cgroup", m.cfg.Cgroup).Msg("killed stray processes")
	}
}

func killCgroup(dir string, self int) (int, error) {
	b, err := os.ReadFile(filepath.Join(dir, "cgroup.procs"))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range strings.Fields(string(b)) {
		pid, err := strconv.Atoi(f)
		if err != nil || pid == self || pid <= 0 {
			continue
		}
		if unix.Kill(pid, unix.SIGKILL) == nil {
			n++
		}
	}
	return n, nil
}
