// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// cpuprof records CPU samples with call stacks into profile record streams
// and summarizes recorded streams.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/cpuprof/internal/controller"
	"go.opentelemetry.io/cpuprof/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	root := newRootCmd()

	// Context to drive main goroutine and the recording.
	ctx, cancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM, unix.SIGABRT)
	defer cancel()

	err := root.ParseAndRun(ctx, os.Args[1:])
	if err == nil {
		return exitSuccess
	}
	if errors.Is(err, flag.ErrHelp) {
		return exitSuccess
	}

	var exitErr controller.ErrorWithExitCode
	if errors.As(err, &exitErr) {
		log.Error(exitErr)
		return exitCode(exitErr.Code())
	}
	log.Error(err)
	return exitFailure
}

func newRootCmd() *ffcli.Command {
	return &ffcli.Command{
		Name:       "cpuprof",
		ShortUsage: "cpuprof <subcommand> [flags]",
		ShortHelp:  "Record and inspect CPU profile record streams",
		Subcommands: []*ffcli.Command{
			newRecordCmd(),
			newDumpCmd(os.Stdout),
			newVersionCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
}

func newVersionCmd() *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "cpuprof version",
		ShortHelp:  versionHelp,
		Exec: func(context.Context, []string) error {
			fmt.Println(vc.String())
			return nil
		},
	}
}

func parseError(msg string, args ...any) error {
	return controller.NewErrorWithExitCode(fmt.Errorf(msg, args...), int(exitParseError))
}

func failure(msg string, args ...any) error {
	return controller.NewErrorWithExitCode(fmt.Errorf(msg, args...), int(exitFailure))
}
