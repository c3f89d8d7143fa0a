package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/portholeapp/porthole/gateway"
	"github.com/portholeapp/porthole/log"
	"github.com/portholeapp/porthole/stats"
)

var scanCommand = &cobra.Command{
	Use:   "scan",
	Short: "porthole scan runs a one-shot sweep of the configured port ranges and prints the services found",
	RunE:  runScan,
}

var scanTimeout time.Duration

func init() {
	scanCommand.Flags().DurationVarP(&scanTimeout, "timeout", "t", 30*time.Second, "The overall deadline for the scan")
}

// runScan performs a single scan outside of the server process
func runScan(cmd *cobra.Command, args []string) error {
	config, err := newConfig()
	if err != nil {
		return err
	}
	log.Init(config.GetString(ConfigLogLevel), config.GetString(ConfigLogFormat))

	gatewayConfig, err := newGatewayConfig(config)
	if err != nil {
		return err
	}

	scanner := &gateway.Scanner{
		Ranges:       gatewayConfig.Ranges,
		ExcludePort:  gatewayConfig.GatewayPort,
		BatchSize:    gatewayConfig.ScanBatchSize,
		ProbeTimeout: gatewayConfig.ProbeTimeout,
		Resolver:     gateway.Resolver{Timeout: gatewayConfig.ResolveTimeout},
		Log:          log.Get().Named("Scanner"),
		Stats:        stats.Noop(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	services := scanner.Scan(ctx)
	fmt.Printf("Found %d service(s)\n", len(services))
	for _, service := range services {
		pid := "-"
		if service.PID != nil {
			pid = fmt.Sprintf("%d", *service.PID)
		}
		fmt.Printf("  :%d\t%s\t(pid %s)\n", service.Port, service.Name, pid)
	}
	return nil
}
