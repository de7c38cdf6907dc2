// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package main

import (
	"fmt"
	"log/slog"

	"github.com/jordangomes/cua/lib/config"
)

func runAgent(cfg *config.Config, logger *slog.Logger, console bool) error {
	return fmt.Errorf("the agent only runs on windows")
}

func controlService(verb string) error {
	return fmt.Errorf("service %s is only supported on windows", verb)
}
