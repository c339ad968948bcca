package worker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/open-lambda/wdog/common"
	"github.com/open-lambda/wdog/worker/event"
	"github.com/open-lambda/wdog/worker/lambda"

	"github.com/oklog/ulid/v2"
	"github.com/urfave/cli/v2"
)

const sampleModule = `let greeting = "hello " + (args.name ?? "world");
print(greeting);
{"greeting": greeting}
`

// performs an HTTP GET request to the watchdog over its UDS
func udsGet(requestPath string) (*http.Response, error) {
	sockPath := filepath.Join(common.Conf.Worker_dir, event.SOCK_NAME)

	tr := &http.Transport{}
	tr.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", sockPath)
	}
	client := &http.Client{Transport: tr, Timeout: 2 * time.Second}

	return client.Get("http://unix" + requestPath)
}

// initWdogDir writes a default config and a sample module.
func initWdogDir(wdogPath string) error {
	if err := os.MkdirAll(wdogPath, 0700); err != nil {
		return err
	}

	dirs := []string{filepath.Dir(common.Conf.Module_path)}
	if registry, ok := strings.CutPrefix(common.Conf.Registry, "file://"); ok {
		dirs = append(dirs, registry)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if _, err := os.Stat(common.Conf.Module_path); os.IsNotExist(err) {
		if err := os.WriteFile(common.Conf.Module_path, []byte(sampleModule), 0644); err != nil {
			return err
		}
	}

	// an empty token rejects every call, so pick one for local use
	if common.Conf.Pod_token == "" {
		common.Conf.Pod_token = strings.ToLower(ulid.Make().String())
	}

	return common.SaveGlobalConfig(filepath.Join(wdogPath, "config.json"))
}

// initCmd corresponds to the "init" command of the admin tool.
func initCmd(ctx *cli.Context) error {
	wdogPath, err := common.GetWdogPath(ctx)
	if err != nil {
		return err
	}

	if err := common.LoadDefaults(wdogPath); err != nil {
		return err
	}

	if err := initWdogDir(wdogPath); err != nil {
		return err
	}
	fmt.Printf("\nYou may optionally modify the defaults here: %s\n\n",
		filepath.Join(wdogPath, "config.json"))
	fmt.Printf("Invocations must carry the token: %s\n", common.Conf.Pod_token)
	fmt.Printf("Next start the watchdog using the \"wdog up\" command.\n")
	return nil
}

// readPid returns the pid recorded by a running (or crashed) watchdog.
func readPid(pidPath string) (int, error) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("bad pid file %s: %w", pidPath, err)
	}
	return pid, nil
}

// bringToStoppedClean stops a running watchdog and removes what a
// crashed one left behind.
func bringToStoppedClean(wdogPath string) error {
	pidPath := filepath.Join(common.Conf.Worker_dir, "worker.pid")

	pid, err := readPid(pidPath)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	p, err := os.FindProcess(pid)
	if err == nil {
		err = p.Signal(syscall.SIGTERM)
	}
	if err != nil {
		fmt.Printf("Watchdog %d in %s is not running; removing stale pid file\n", pid, wdogPath)
		return os.Remove(pidPath)
	}

	fmt.Printf("Stopping watchdog %d in %s\n", pid, wdogPath)
	// give an in-flight call time to finish before giving up
	deadline := time.Now().Add(common.Conf.Timeout() + 10*time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(pidPath); os.IsNotExist(err) {
			fmt.Printf("Stopped.\n")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("watchdog %d did not exit; check %s", pid, filepath.Join(wdogPath, "worker.out"))
}

// loadConfWithOverrides loads <wdogPath>/config.json plus any -o overrides
func loadConfWithOverrides(ctx *cli.Context, wdogPath string) error {
	confPath := filepath.Join(wdogPath, "config.json")
	if overrides := ctx.String("options"); overrides != "" {
		overridesPath := confPath + ".overrides"
		if err := common.OverrideConfig(confPath, overridesPath, overrides); err != nil {
			return err
		}
		confPath = overridesPath
	}
	return common.LoadGlobalConfig(confPath)
}

// upCmd corresponds to the "up" command of the admin tool.
func upCmd(ctx *cli.Context) error {
	wdogPath, err := common.GetWdogPath(ctx)
	if err != nil {
		return err
	}

	// PREP STEP 1: make sure we have a watchdog directory
	if _, err := os.Stat(wdogPath); os.IsNotExist(err) {
		fmt.Printf("Did not find watchdog directory at %s\n", wdogPath)
		if err := common.LoadDefaults(wdogPath); err != nil {
			return err
		}
		if err := initWdogDir(wdogPath); err != nil {
			return err
		}
	}

	// PREP STEP 2: load config file and apply any command-line overrides
	if err := loadConfWithOverrides(ctx, wdogPath); err != nil {
		return err
	}

	// PREP STEP 3: make sure no other watchdog owns this directory
	if err := bringToStoppedClean(wdogPath); err != nil {
		return err
	}

	if !ctx.Bool("detach") {
		return event.Main()
	}

	// stdout+stderr both go to log
	logPath := filepath.Join(wdogPath, "worker.out")
	f, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer f.Close()

	// same command line, minus the detach flag
	args := []string{}
	for _, arg := range os.Args {
		if arg != "-d" && arg != "--detach" {
			args = append(args, arg)
		}
	}
	binPath, err := exec.LookPath(os.Args[0])
	if err != nil {
		return err
	}
	if abs, err := filepath.Abs(binPath); err == nil {
		binPath = abs
	}

	fmt.Printf("Starting watchdog in %s and waiting until it's ready.\n", wdogPath)
	proc, err := os.StartProcess(binPath, args, &os.ProcAttr{
		Files: []*os.File{nil, f, f},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return err
	}

	died := make(chan error, 1)
	go func() {
		_, err := proc.Wait()
		died <- err
	}()

	fmt.Printf("\tPID: %d\n\tPort: %s\n\tRun path: %s\n\tLog File: %s\n",
		proc.Pid, common.Conf.Worker_port, common.Conf.Run_path, logPath)

	var pingErr error
	for i := 0; i < 300; i++ {
		select {
		case err := <-died:
			if err != nil {
				return err
			}
			return fmt.Errorf("watchdog process %d does not appear to be running; check worker.out", proc.Pid)
		default:
		}

		response, err := udsGet(event.PID_PATH)
		if err != nil {
			pingErr = err
			time.Sleep(100 * time.Millisecond)
			continue
		}
		body, err := io.ReadAll(response.Body)
		response.Body.Close()
		if err != nil {
			return err
		}

		// are we talking with the expected PID?
		pid, err := strconv.Atoi(strings.TrimSpace(string(body)))
		if err != nil {
			return fmt.Errorf("/pid did not return an int: %s", err)
		}
		if pid == proc.Pid {
			fmt.Printf("Ready!\n")
			return nil
		}
		return fmt.Errorf("pid mismatch: expected %v but found %v (another watchdog running?)", proc.Pid, pid)
	}

	return fmt.Errorf("watchdog still not reachable after 30 seconds: %w", pingErr)
}

// statusCmd corresponds to the "status" command of the admin tool.
func statusCmd(ctx *cli.Context) error {
	wdogPath, err := common.GetWdogPath(ctx)
	if err != nil {
		return err
	}
	if err := common.LoadGlobalConfig(filepath.Join(wdogPath, "config.json")); err != nil {
		return err
	}

	response, err := udsGet(event.STATUS_PATH)
	if err != nil {
		return fmt.Errorf("could not reach watchdog in %s: %w", wdogPath, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	fmt.Printf("Watchdog status:\n  %s => %s [%s]\n\n", event.STATUS_PATH, strings.TrimSpace(string(body)), response.Status)
	return nil
}

// downCmd corresponds to the "down" command of the admin tool.
func downCmd(ctx *cli.Context) error {
	wdogPath, err := common.GetWdogPath(ctx)
	if err != nil {
		return err
	}
	if err := common.LoadGlobalConfig(filepath.Join(wdogPath, "config.json")); err != nil {
		return err
	}
	return bringToStoppedClean(wdogPath)
}

// workerCmd is the body of a worker process started by the supervisor.
// It never returns on success: the supervisor kills it.
func workerCmd(ctx *cli.Context) error {
	err := lambda.WorkerMain(ctx.String("runtime"), ctx.String("module"), ctx.Int("max-msg"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

// WorkerCommands returns a list of CLI commands for the watchdog.
func WorkerCommands() []*cli.Command {
	pathFlag := cli.StringFlag{
		Name:    "path",
		Aliases: []string{"p"},
		Usage:   "Path location for the watchdog environment",
	}

	cmds := []*cli.Command{
		{
			Name:        "init",
			Usage:       "Create a watchdog environment with a default config and a sample module",
			UsageText:   "wdog init [OPTIONS...]",
			Description: "A directory of the given name will be created with internal structure initialized.",
			Flags:       []cli.Flag{&pathFlag},
			Action:      initCmd,
		},
		{
			Name:        "up",
			Usage:       "Start the watchdog (automatically calls 'init' and uses defaults if that wasn't already done)",
			UsageText:   "wdog up [OPTIONS...] [--detach]",
			Description: "Start the watchdog for one function module.",
			Flags: []cli.Flag{
				&pathFlag,
				&cli.StringFlag{
					Name:    "options",
					Aliases: []string{"o"},
					Usage:   "Override options with: -o opt1=val1,opt2=val2,opt3.subopt31=val3",
				},
				&cli.BoolFlag{
					Name:    "detach",
					Aliases: []string{"d"},
					Usage:   "Run watchdog in background",
				},
			},
			Action: upCmd,
		},
		{
			Name:      "down",
			Usage:     "Stop the watchdog and its worker",
			UsageText: "wdog down [OPTIONS...]",
			Flags:     []cli.Flag{&pathFlag},
			Action:    downCmd,
		},
		{
			Name:      "status",
			Usage:     "Check the worker state of a running watchdog",
			UsageText: "wdog status [OPTIONS...]",
			Flags:     []cli.Flag{&pathFlag},
			Action:    statusCmd,
		},
		{
			Name:   "worker",
			Hidden: true,
			Usage:  "Internal: run the tenant module on the inherited transport",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "runtime", Required: true},
				&cli.StringFlag{Name: "module", Required: true},
				&cli.IntFlag{Name: "max-msg", Value: 4096 * 1024},
			},
			Action: workerCmd,
		},
	}

	return cmds
}
