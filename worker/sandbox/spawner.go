package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/open-lambda/wdog/common"
	"github.com/open-lambda/wdog/worker/sandbox/cgroups"
)

// NewSpawner builds the Spawner common.Conf asks for. Process workers
// re-run this executable with the hidden "worker" command.
func NewSpawner(name, runtime, modulePath string, limits common.LimitsConfig) (Spawner, error) {
	conf := common.Conf
	outputLimit := conf.Output_limit_kb * 1024
	maxMsg := conf.Max_message_kb * 1024

	if conf.Transport == "queue" {
		return &InProcSpawner{OutputLimit: outputLimit}, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot find own executable: %w", err)
	}

	ps := &ProcessSpawner{
		Path: exe,
		Args: []string{
			"worker",
			"--runtime", runtime,
			"--module", modulePath,
			"--max-msg", strconv.Itoa(maxMsg),
		},
		Env:         workerEnv(os.Environ()),
		MaxMsg:      maxMsg,
		OutputLimit: outputLimit,
	}

	if conf.Features.Cgroups {
		cgName := filepath.Base(filepath.Dir(conf.Worker_dir)) + "-" + name
		lim, err := cgroups.NewLimiter(cgName, limits)
		if err != nil {
			return nil, err
		}
		ps.Limiter = lim
	}

	return ps, nil
}

// workerEnv drops the watchdog's own SWD_* settings (the pod token among
// them) so tenant code never sees them.
func workerEnv(environ []string) []string {
	env := make([]string, 0, len(environ))
	for _, kv := range environ {
		if !strings.HasPrefix(kv, "SWD_") {
			env = append(env, kv)
		}
	}
	return env
}
