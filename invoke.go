package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/open-lambda/wdog/common"

	"github.com/urfave/cli/v2"
)

// invokeBody is what the run path expects.
type invokeBody struct {
	Token       string `json:"token"`
	Args        any    `json:"args"`
	ContentType string `json:"content-type,omitempty"`
	Body        string `json:"body,omitempty"`
}

// defaultsFromEnv fills URL, path and token from a local watchdog
// directory when one exists.
func defaultsFromEnv(ctx *cli.Context) (base, runPath, token string) {
	base = os.Getenv("WDOG_URL")
	runPath = "/v1/run"

	wdogPath, err := common.GetWdogPath(ctx)
	if err != nil {
		return
	}
	cfg, err := common.ReadInConfig(filepath.Join(wdogPath, "config.json"))
	if err != nil {
		return
	}
	if base == "" {
		base = fmt.Sprintf("http://127.0.0.1:%s", cfg.Worker_port)
	}
	return base, cfg.Run_path, cfg.Pod_token
}

func invokeAction(ctx *cli.Context) error {
	base, runPath, token := defaultsFromEnv(ctx)
	if u := ctx.String("url"); u != "" {
		base = u
	}
	if base == "" {
		base = "http://127.0.0.1:8687"
	}
	if p := ctx.String("run-path"); p != "" {
		runPath = p
	}
	if t := ctx.String("token"); t != "" {
		token = t
	}
	fullURL := strings.TrimRight(base, "/") + runPath

	// args come from --args or --json; the raw body from --file
	var args any = map[string]any{}
	var raw []byte
	if jf := ctx.String("json"); jf != "" {
		b, err := os.ReadFile(jf)
		if err != nil {
			return err
		}
		raw = b
	} else if d := ctx.String("args"); d != "" {
		raw = []byte(d)
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &args); err != nil {
			return cli.Exit(fmt.Sprintf("args are not valid JSON: %v", err), 2)
		}
	}

	payload := invokeBody{Token: token, Args: args}
	if f := ctx.String("file"); f != "" {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		payload.Body = string(b)
		payload.ContentType = ctx.String("content-type")
	}

	body, err := json.Marshal(&payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	// Extra headers: --header "K: V" (repeatable)
	for _, h := range ctx.StringSlice("header") {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			return cli.Exit(fmt.Sprintf("invalid --header %q (use 'K: V')", h), 2)
		}
		k := strings.TrimSpace(parts[0])
		v := strings.TrimSpace(parts[1])
		if k == "" {
			return cli.Exit(fmt.Sprintf("invalid --header %q (empty key)", h), 2)
		}
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: time.Duration(ctx.Int("timeout")) * time.Second,
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)

	if ctx.Bool("pretty") {
		var js any
		if json.Unmarshal(out, &js) == nil {
			b, _ := json.MarshalIndent(js, "", "  ")
			fmt.Println(string(b))
		} else {
			fmt.Println(string(out))
		}
	} else {
		fmt.Println(string(out))
	}

	// Non-2xx => fail (handy for scripts)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cli.Exit(fmt.Sprintf("HTTP %d", resp.StatusCode), 1)
	}
	return nil
}

func invokeCommand() *cli.Command {
	return &cli.Command{
		Name:        "invoke",
		Usage:       "Invoke the module behind a watchdog over HTTP",
		UsageText:   "wdog invoke [--args JSON | --json FILE] [--file PATH] [--token T] [--header 'K: V' ...] [--timeout N] [--pretty] [--url BASE]",
		Description: "Sends a POST to BASE+run path. URL, run path and token default to the watchdog in --path; BASE may also come from $WDOG_URL.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Watchdog environment to read defaults from"},
			&cli.StringFlag{Name: "url", Usage: "Base watchdog URL (overrides WDOG_URL)"},
			&cli.StringFlag{Name: "run-path", Usage: "Invocation path (default from config, else /v1/run)"},
			&cli.StringFlag{Name: "token", EnvVars: []string{"WDOG_TOKEN"}, Usage: "Pod token"},
			&cli.IntFlag{Name: "timeout", Value: 15, Usage: "HTTP timeout seconds"},
			&cli.BoolFlag{Name: "pretty", Usage: "Pretty-print JSON responses"},
			&cli.StringFlag{Name: "args", Usage: "Inline JSON args"},
			&cli.StringFlag{Name: "json", Usage: "Path to JSON args file"},
			&cli.StringFlag{Name: "file", Usage: "Path to a file sent as the raw body"},
			&cli.StringFlag{Name: "content-type", Value: "application/octet-stream", Usage: "Content type of --file"},
			&cli.StringSliceFlag{Name: "header", Usage: `Extra header "K: V" (repeatable)`},
		},
		Action: invokeAction,
	}
}
