package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/seisfetch/seisfetch/internal/buildinfo"
	"github.com/seisfetch/seisfetch/internal/config"
	"github.com/seisfetch/seisfetch/internal/download"
	"github.com/seisfetch/seisfetch/internal/runlog"
	"github.com/seisfetch/seisfetch/internal/store"
	"github.com/seisfetch/seisfetch/internal/traveltime"
)

// Exit codes: 0 completed (possibly with nothing to do), 1 run failed,
// 2 bad input, 3 unexpected internal error.
const (
	exitOK       = 0
	exitFailed   = 1
	exitBadInput = 2
	exitInternal = 3
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n", r)
			code = exitInternal
		}
	}()

	var (
		jobPath     = flag.String("config", "", "path to the job YAML file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("seisfetch %s (%s, built %s)\n",
			buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
		return exitOK
	}
	if *jobPath == "" {
		fmt.Fprintln(os.Stderr, "usage: seisfetch -config <job.yaml>")
		return exitBadInput
	}

	env, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return exitBadInput
	}
	job, err := config.LoadJobFile(*jobPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return exitBadInput
	}

	var tt traveltime.Table
	if job.TravelTimeTable != "" {
		t, err := traveltime.Load(job.TravelTimeTable)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			return exitBadInput
		}
		tt = t
	}

	db, err := store.OpenDB(env.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return exitFailed
	}
	defer db.Close()
	if err := store.MigrateDB(db); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return exitFailed
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	p := &download.Pipeline{
		DB:  db,
		Log: runlog.New(os.Stderr),
		Env: env,
		Job: job,
		TT:  tt,
	}
	if err := p.Run(ctx); err != nil {
		return exitFailed
	}
	return exitOK
}
