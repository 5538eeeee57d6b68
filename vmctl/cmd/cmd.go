// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd holds implementations of the vmctl commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/google/subcommands"
	"vmkernel.dev/vmkernel/pkg/boot"
	"vmkernel.dev/vmkernel/pkg/log"
	"vmkernel.dev/vmkernel/vmctl/config"
)

// Fatalf logs to stderr and exits with a failure status.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL: "+format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// bootFromArgs boots the machine described by the *config.Config passed to
// Execute.
func bootFromArgs(args []any) *boot.Machine {
	if len(args) == 0 {
		Fatalf("missing configuration")
	}
	conf, ok := args[0].(*config.Config)
	if !ok {
		Fatalf("unexpected argument %T, want *config.Config", args[0])
	}
	m, err := boot.Boot(boot.Args{Frames: conf.Frames, Layout: conf.Layout()})
	if err != nil {
		Fatalf("boot: %v", err)
	}
	return m
}

// shutdown tears m down, turning leaks into a failure status.
func shutdown(m *boot.Machine, status subcommands.ExitStatus) subcommands.ExitStatus {
	if leaks := m.Shutdown(); leaks > 0 && status == subcommands.ExitSuccess {
		return subcommands.ExitFailure
	}
	return status
}
