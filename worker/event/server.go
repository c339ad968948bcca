package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/open-lambda/wdog/common"
	"github.com/open-lambda/wdog/worker/lambda"
	"github.com/open-lambda/wdog/worker/sandbox"
)

const (
	PID_PATH     = "/pid"
	STATUS_PATH  = "/status"
	METRICS_PATH = "/metrics"

	// admin socket inside the worker dir
	SOCK_NAME = "wdog.sock"
)

type cleanable interface {
	cleanup()
}

// HandleGetPid returns process ID, useful for making sure we're talking to the expected server
func HandleGetPid(w http.ResponseWriter, _ *http.Request) {
	wbody := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if _, err := w.Write(wbody); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// StatusHandler reports the worker state of sup.
func StatusHandler(sup *sandbox.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		b, err := json.Marshal(sup.Status())
		if err != nil {
			panic(err)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(append(b, '\n')); err != nil {
			slog.Error(fmt.Sprintf("error in Status: %v", err))
		}
	}
}

// NewSupervisor builds and starts a Supervisor for the module at
// modulePath, with limits from the wdog.yaml next to it.
func NewSupervisor(name, modulePath string) (*sandbox.Supervisor, error) {
	mc, err := common.LoadModuleConfig(filepath.Dir(modulePath))
	if err != nil {
		return nil, err
	}
	limits := mc.Limits
	limits.FillDefaults(common.Conf.Limits)

	spawner, err := sandbox.NewSpawner(name, common.Conf.Runtime, modulePath, limits)
	if err != nil {
		return nil, err
	}

	sup := sandbox.NewSupervisor(sandbox.Options{
		Name:             name,
		Runtime:          common.Conf.Runtime,
		ModulePath:       modulePath,
		HelloTimeout:     common.Conf.HelloTimeout(),
		ProactiveRestart: common.Conf.Features.Proactive_restart,
	}, spawner)

	if err := sup.Start(context.Background()); err != nil {
		spawner.Cleanup()
		return nil, err
	}
	return sup, nil
}

// resolveModule pulls the module package when one is named, and
// returns the path of the module file to run.
func resolveModule(ctx context.Context) (string, *lambda.ModulePuller, error) {
	if common.Conf.Module_name == "" {
		return common.Conf.Module_path, nil, nil
	}

	puller, err := lambda.NewModulePuller(ctx, common.Conf.Registry)
	if err != nil {
		return "", nil, fmt.Errorf("failed to open registry at %s: %w", common.Conf.Registry, err)
	}

	dir := filepath.Join(common.Conf.Worker_dir, "module")
	if _, err := puller.Pull(ctx, common.Conf.Module_name, dir); err != nil {
		puller.Close()
		return "", nil, err
	}

	return filepath.Join(dir, "main."+common.Conf.Runtime), puller, nil
}

// writeFinalStats saves the last supervisor status next to the pid file.
func writeFinalStats(sup *sandbox.Supervisor) {
	statsPath := filepath.Join(common.Conf.Worker_dir, "stats.json")
	slog.Info(fmt.Sprintf("save stats to %s", statsPath))

	if s, err := json.MarshalIndent(sup.Status(), "", "\t"); err != nil {
		slog.Error("Marshal stats", "err", err)
	} else if err := os.WriteFile(statsPath, s, 0644); err != nil {
		slog.Error("Write stats", "path", statsPath, "err", err)
	}
}

func Main() error {
	pidPath := filepath.Join(common.Conf.Worker_dir, "worker.pid")
	if _, err := os.Stat(pidPath); err == nil {
		return fmt.Errorf("previous watchdog may be running: %s already exists", pidPath)
	} else if !os.IsNotExist(err) {
		// we were hoping to get the not-exist error, but got something else unexpected
		return err
	}

	// start with a fresh env
	if err := os.RemoveAll(common.Conf.Worker_dir); err != nil {
		return err
	} else if err := os.MkdirAll(common.Conf.Worker_dir, 0700); err != nil {
		return err
	}

	if err := common.LoadLoggers(); err != nil {
		return err
	}
	common.DumpConf()

	slog.Info("Saved PID to file", "pid", os.Getpid(), "path", pidPath)
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		return err
	}

	// remove pidPath on exit
	defer func() {
		slog.Info("Remove PID file", "path", pidPath)
		if err := os.Remove(pidPath); err != nil {
			slog.Error("Remove PID file", "path", pidPath, "err", err)
		}
	}()

	modulePath, puller, err := resolveModule(context.Background())
	if err != nil {
		return err
	}
	if puller != nil {
		defer puller.Close()
	}

	mc, err := common.LoadModuleConfig(filepath.Dir(modulePath))
	if err != nil {
		return err
	}
	timeout := time.Duration(mc.EffectiveTimeout(common.Conf.Timeout_ms)) * time.Millisecond

	sup, err := NewSupervisor("main", modulePath)
	if err != nil {
		return err
	}
	defer sup.Stop()
	if sup.Degraded() {
		slog.Warn("module failed to load; every invocation will return 503", "module", modulePath)
	}

	run := NewRunServer(sup, timeout)
	run.EnableTry(modulePath, func(path string) (*sandbox.Supervisor, error) {
		return NewSupervisor("try", path)
	})

	// the TCP listener only serves invocations; everything else is a 404
	portMux := http.NewServeMux()
	portMux.Handle("/", run)

	udsMux := http.NewServeMux()
	udsMux.HandleFunc(PID_PATH, HandleGetPid)
	udsMux.HandleFunc(STATUS_PATH, StatusHandler(sup))
	udsMux.Handle(METRICS_PATH, common.Stats.Handler())
	udsMux.Handle(run.RunPath(), run)
	udsMux.Handle(run.RunPath()+TRY_PREFIX, run)

	// triggers go through the same handler as HTTP callers
	cron := NewCronScheduler(run)
	if err := cron.Register(mc.Triggers.Cron); err != nil {
		cron.cleanup()
		return err
	}
	kafka := NewKafkaManager(run)
	if err := kafka.RegisterKafkaTriggers(mc.Triggers.Kafka); err != nil {
		cron.cleanup()
		return err
	}
	triggers := []cleanable{cron, kafka}

	// sock file is made in worker directory
	sockPath := filepath.Join(common.Conf.Worker_dir, SOCK_NAME)
	defer func() {
		slog.Info("Remove sock file", "path", sockPath)
		if err := os.Remove(sockPath); err != nil {
			slog.Error("Remove sock file", "path", sockPath, "err", err)
		}
	}()

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("failed to listen on UNIX domain socket %s: %w", sockPath, err)
	}
	if err := os.Chmod(sockPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod UNIX domain socket %s: %w", sockPath, err)
	}

	udsServer := &http.Server{
		Handler:           udsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	port := fmt.Sprintf("%s:%s", common.Conf.Worker_url, common.Conf.Worker_port)
	portServer := &http.Server{
		Addr:              port,
		Handler:           portMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// list of servers so all shutdown logic can be in one place
	servers := map[string]*http.Server{
		"uds": udsServer,
		"tcp": portServer,
	}

	errorChannel := make(chan error, len(servers))
	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		slog.Info("watchdog listening on UNIX domain socket", "socket", sockPath)
		if err := udsServer.Serve(ln); err != http.ErrServerClosed {
			errorChannel <- fmt.Errorf("UNIX domain socket server failed: %w", err)
		}
	}()

	go func() {
		slog.Info("watchdog listening on TCP", "port", port, "run_path", run.RunPath())
		if err := portServer.ListenAndServe(); err != http.ErrServerClosed {
			errorChannel <- fmt.Errorf("Port server failed: %w", err)
		}
	}()

	// wait for either kill signal or error from server
	var trigger error
	isKillSignal := false

	select {
	case killSignal := <-signalChannel:
		slog.Info("Received signal", "signal", killSignal.String())
		trigger = fmt.Errorf("kill signal: %v", killSignal)
		isKillSignal = true
	case serverError := <-errorChannel:
		slog.Error("Received server error", "err", serverError)
		trigger = serverError
	}
	slog.Info("Shutting down", "reason", trigger.Error())

	for _, t := range triggers {
		t.cleanup()
	}

	shutdownContext, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	defer cancel()
	for name, server := range servers {
		slog.Info("Shutting down server", "name", name)
		err := server.Shutdown(shutdownContext)
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server shutdown error", "name", name, "err", err)
		}
	}

	writeFinalStats(sup)

	// return an error if we shutdown due to server error
	if !isKillSignal {
		return trigger
	}

	return nil
}
