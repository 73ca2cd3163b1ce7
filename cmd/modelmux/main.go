// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// modelmux is a local gateway that accepts Anthropic Messages API traffic
// and serves it from whichever configured provider the routing table picks.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/modelmux/modelmux/internal/version"
)

type (
	// cmd corresponds to the top-level `modelmux` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Run is the sub-command parsed by the `cmdRun` struct.
		Run cmdRun `cmd:"" help:"Run the gateway for the given configuration."`
		// Validate is the sub-command to check a configuration offline.
		Validate cmdValidate `cmd:"" help:"Check a configuration and print the pipelines it would build."`
		// Healthcheck is the sub-command to probe a running gateway.
		Healthcheck cmdHealthcheck `cmd:"" help:"Docker HEALTHCHECK command."`
	}
	// cmdRun corresponds to the `modelmux run` command.
	cmdRun struct {
		Config string `help:"Path to the gateway configuration yaml file. Optional when at least ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY, or OLLAMA_MODEL is set." type:"path"`
		Port   int    `help:"Override the configured listen port." default:"0"`
		Debug  bool   `help:"Enable debug logging emitted to stderr."`
	}
	// cmdValidate corresponds to the `modelmux validate` command.
	cmdValidate struct {
		Config string `help:"Path to the gateway configuration yaml file." required:"" type:"path"`
	}
	// cmdHealthcheck corresponds to the `modelmux healthcheck` command.
	cmdHealthcheck struct {
		Port int `help:"Gateway port to probe." default:"3456"`
	}
)

type (
	runFn         func(context.Context, cmdRun, io.Writer, io.Writer) error
	validateFn    func(cmdValidate, io.Writer) error
	healthcheckFn func(context.Context, int, io.Writer) error
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, run, validate, healthcheck)
}

// doMain parses the command line and executes the selected sub-command. The
// writers, exit function and sub-command implementations are parameters so
// tests can intercept them.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int),
	rf runFn, vf validateFn, hf healthcheckFn,
) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("modelmux"),
		kong.Description("Anthropic-compatible gateway over heterogeneous model providers."),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "modelmux: %s\n", version.String())
	case "run":
		if err := rf(ctx, c.Run, stdout, stderr); err != nil {
			log.Fatalf("Error running: %v", err)
		}
	case "validate":
		if err := vf(c.Validate, stdout); err != nil {
			log.Fatalf("Invalid configuration: %v", err)
		}
	case "healthcheck":
		if err := hf(ctx, c.Healthcheck.Port, stdout); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
	default:
		panic("unreachable")
	}
}
