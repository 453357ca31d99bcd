package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"assetflow/internal/app"
	"assetflow/internal/config"
	"assetflow/internal/logging"
)

const usage = `usage: assetflow [-config path] <command> [flags]

commands:
  serve                         run the scheduler and HTTP API
  run -job NAME [-partition P]  materialize one job and exit non-zero on failure
  plan [-select SEL,...]        print the execution order of a selection
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	global := flag.NewFlagSet("assetflow", flag.ContinueOnError)
	configPath := global.String("config", os.Getenv("ASSETFLOW_CONFIG"), "path to a YAML config file")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "serve":
		return serve(ctx, cfg, log)
	case "run":
		return runJob(ctx, cfg, log, rest)
	case "plan":
		return plan(ctx, cfg, log, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		global.Usage()
		return 2
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) int {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return 1
	}
	defer func() { _ = a.Close() }()
	if err := a.Serve(ctx); err != nil {
		log.Error("server stopped", zap.Error(err))
		return 1
	}
	return 0
}

func runJob(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	jobName := fs.String("job", "", "job to run")
	partition := fs.String("partition", "", "partition key (default \"default\")")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*jobName) == "" {
		fmt.Fprintln(os.Stderr, "run: -job is required")
		return 2
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return 1
	}
	defer func() { _ = a.Close() }()

	res, err := a.RunJob(ctx, *jobName, *partition)
	if err != nil {
		log.Error("run rejected", zap.Error(err))
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	fmt.Fprintln(os.Stderr, res.Summary())
	return res.ExitCode()
}

func plan(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	sel := fs.String("select", "*", "comma separated selection")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return 1
	}
	defer func() { _ = a.Close() }()

	var selection []string
	for _, p := range strings.Split(*sel, ",") {
		if p = strings.TrimSpace(p); p != "" {
			selection = append(selection, p)
		}
	}
	p, err := a.Engine.Plan(selection)
	if err != nil {
		fmt.Fprintln(os.Stderr, "plan:", err)
		return 1
	}
	for _, name := range p.Order {
		fmt.Println(name)
	}
	return 0
}
