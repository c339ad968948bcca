package common

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// LoadLoggers installs the process-wide slog handler. With
// trace.enable_json the log goes to <worker_dir>/wdog.json instead of
// stdout, so it can be shipped without parsing text.
func LoadLoggers() error {
	var out io.Writer = os.Stdout
	if Conf.Trace.Enable_JSON {
		logPath := filepath.Join(Conf.Worker_dir, "wdog.json")
		f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
		if err != nil {
			return fmt.Errorf("cannot open log file at %s: %w", logPath, err)
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{})))
		return nil
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})))
	return nil
}
