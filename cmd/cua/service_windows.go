// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/eventlog"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/jordangomes/cua/lib/agent"
	"github.com/jordangomes/cua/lib/clock"
	"github.com/jordangomes/cua/lib/config"
	"github.com/jordangomes/cua/lib/identity"
	"github.com/jordangomes/cua/lib/record"
	"github.com/jordangomes/cua/lib/spool"
	"github.com/jordangomes/cua/lib/winevent"
)

const (
	serviceName        = "cua"
	serviceDisplayName = "Console User Attribution"
	serviceDescription = "Emits audit records correlating interactive logons with device and user identity."
)

// runAgent assembles the agent from the platform implementations and
// runs it either in the foreground or under the service control
// manager.
func runAgent(cfg *config.Config, logger *slog.Logger, console bool) error {
	clk := clock.Real()

	var sink record.Sink
	if cfg.Spool.Enabled {
		sp, err := spool.Open(cfg.Spool.Dir, cfg.Spool.MaxSegmentBytes, clk)
		if err != nil {
			return fmt.Errorf("opening spool: %w", err)
		}
		defer func() {
			if err := sp.Close(); err != nil {
				logger.Error("closing spool", "error", err)
			}
		}()
		sink = sp
	}

	a := agent.New(
		logger,
		winevent.NewSubscriber(logger, clk),
		identity.NewCorrelator(identity.LocalMachineStore(), logger),
		identity.NewResolver(identity.ConsoleSessions(), logger),
		record.NewLogEmitter(logger, sink),
		clk,
		agent.Options{
			LogonTypes:           cfg.Watch.LogonTypes,
			Debounce:             cfg.Watch.Debounce.Std(),
			WhitelistSIDPrefixes: cfg.Watch.WhitelistSIDPrefixes,
			PollInterval:         cfg.Watch.PollInterval.Std(),
		},
	)

	if console {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	}

	return svc.Run(serviceName, &serviceHandler{agent: a, logger: logger})
}

// serviceHandler adapts the agent to the SCM handler protocol.
type serviceHandler struct {
	agent  *agent.Agent
	logger *slog.Logger
}

func (h *serviceHandler) Execute(args []string, requests <-chan svc.ChangeRequest, status chan<- svc.Status) (bool, uint32) {
	status <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.agent.Run(ctx)
	}()

	status <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}

loop:
	for {
		select {
		case request := <-requests:
			switch request.Cmd {
			case svc.Interrogate:
				status <- request.CurrentStatus
			case svc.Stop, svc.Shutdown:
				break loop
			default:
				h.logger.Warn("unexpected service control request", "cmd", int(request.Cmd))
			}
		case err := <-done:
			// The agent never stops on its own; treat an early
			// return as a failure so the SCM records it.
			if err != nil {
				h.logger.Error("agent exited", "error", err)
				status <- svc.Status{State: svc.StopPending}
				return false, 1
			}
			break loop
		}
	}

	status <- svc.Status{State: svc.StopPending}
	cancel()
	<-done
	return false, 0
}

// controlService handles the install and remove verbs against the
// service control manager. Both also manage the event-log source so
// service start failures land somewhere visible.
func controlService(verb string) error {
	switch verb {
	case "install":
		return installService()
	case "remove":
		return removeService()
	default:
		return fmt.Errorf("unknown service command %q", verb)
	}
}

func installService() error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}

	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connecting to service manager: %w", err)
	}
	defer m.Disconnect()

	if s, err := m.OpenService(serviceName); err == nil {
		s.Close()
		return fmt.Errorf("service %s already exists", serviceName)
	}

	s, err := m.CreateService(serviceName, executable, mgr.Config{
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		StartType:   mgr.StartAutomatic,
	})
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	defer s.Close()

	if err := eventlog.InstallAsEventCreate(serviceName, eventlog.Error|eventlog.Warning|eventlog.Info); err != nil {
		s.Delete()
		return fmt.Errorf("registering event log source: %w", err)
	}
	return nil
}

func removeService() error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connecting to service manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		return fmt.Errorf("service %s is not installed", serviceName)
	}
	defer s.Close()

	if err := s.Delete(); err != nil {
		return fmt.Errorf("deleting service: %w", err)
	}
	if err := eventlog.Remove(serviceName); err != nil {
		return fmt.Errorf("removing event log source: %w", err)
	}
	return nil
}
