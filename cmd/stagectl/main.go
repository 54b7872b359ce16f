// Command stagectl validates, inspects and simulates machine definitions.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-logger/glog"
)

// CLI is the kong command tree.
type CLI struct {
	EnvFile string `name:"env-file" type:"existingfile" help:"Dotenv file read before the environment."`

	Validate ValidateCmd `cmd:"" help:"Check that definition files build into machines."`
	Graph    GraphCmd    `cmd:"" help:"Print the states and transitions of a definition."`
	Simulate SimulateCmd `cmd:"" help:"Drive a definition with toggled conditions and a fake clock."`
}

// App carries what every command needs.
type App struct {
	Out    io.Writer
	Logger glog.Logger
}

func main() {
	os.Exit(run(os.Args[1:], nil, os.Stdout, os.Stderr))
}

func run(args []string, environ map[string]string, stdout, stderr io.Writer) int {
	app := &App{Out: stdout}

	var cli CLI
	exitCode := -1
	parser, err := kong.New(&cli,
		kong.Name("stagectl"),
		kong.Description("Inspect and simulate stage machine definitions."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) { exitCode = code }),
		kong.Bind(app),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	ctx, err := parser.Parse(args)
	if exitCode >= 0 {
		return exitCode
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	cfg, err := LoadConfig(environ, cli.EnvFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	app.Logger = cfg.NewLogger(stderr)

	if err := ctx.Run(); err != nil {
		fmt.Fprintln(stderr, "stagectl:", err)
		return 1
	}
	return 0
}
