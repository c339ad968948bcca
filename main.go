package main

import (
	"fmt"
	"os"

	"github.com/open-lambda/wdog/admin"
	"github.com/open-lambda/wdog/worker"

	"github.com/urfave/cli/v2"
)

// main runs the watchdog admin tool
func main() {
	cli.CommandHelpTemplate = `NAME:
   {{.HelpName}} - {{if .Description}}{{.Description}}{{else}}{{.Usage}}{{end}}
USAGE:
   {{if .UsageText}}{{.UsageText}}{{else}}{{.HelpName}} command{{if .VisibleFlags}} [command options]{{end}} {{if .ArgsUsage}}{{.ArgsUsage}}{{else}}[arguments...]{{end}}{{end}}
COMMANDS:{{range .VisibleCategories}}{{if .Name}}
   {{.Name}}:{{end}}{{range .VisibleCommands}}
     {{join .Names ", "}}{{"\t"}}{{.Usage}}{{end}}
{{end}}{{if .VisibleFlags}}
OPTIONS:
   {{range .VisibleFlags}}{{.}}
   {{end}}{{end}}
`
	app := cli.NewApp()
	app.Name = "wdog"
	app.Usage = "Per-instance function watchdog"
	app.UsageText = "wdog COMMAND [ARG...]"
	app.EnableBashCompletion = true
	app.HideVersion = true

	app.Commands = worker.WorkerCommands()
	app.Commands = append(app.Commands, admin.AdminCommands()...)
	app.Commands = append(app.Commands, invokeCommand())

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
