// Package cli provides the fleetd command line interface.
//
// Commands:
//
//	fleetd run [-c config.yaml]        start the reconciliation engine
//	fleetd status [--addr]             print the engine status summary
//	fleetd trigger <object-id>         queue an object for immediate reconciliation
//	fleetd quarantine clear <object-id>  return a quarantined object to service
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/metalfleet/fleetd/internal/admission"
	"github.com/metalfleet/fleetd/internal/controller"
	"github.com/metalfleet/fleetd/internal/executor"
	"github.com/metalfleet/fleetd/internal/handler"
	"github.com/metalfleet/fleetd/internal/metrics"
	"github.com/metalfleet/fleetd/internal/server"
	"github.com/metalfleet/fleetd/internal/store"
	"github.com/metalfleet/fleetd/pkg/types"
)

var log = slog.Default()

// BuildCLI constructs the root command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "fleetd",
		Short:   "Bare-metal fleet reconciliation engine",
		Version: "dev",
	}

	rootCmd.AddCommand(buildRunCmd())
	rootCmd.AddCommand(buildStatusCmd())
	rootCmd.AddCommand(buildTriggerCmd())
	rootCmd.AddCommand(buildQuarantineCmd())
	return rootCmd
}

func buildRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the reconciliation engine and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runEngine(config)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "configs/default.yaml", "config file path")
	return cmd
}

func runEngine(config Config) error {
	var st store.Store
	var err error
	if config.Store.Path == "" {
		st = store.NewMemoryStore()
		log.Warn("running with in-memory store, fleet state will not survive restart")
	} else {
		st, err = store.OpenSQLite(config.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
	}
	defer st.Close()

	adm := admission.NewController(config.Admission.MaxDisruptionFraction, config.Admission.MinCapacity)
	collector := metrics.NewCollector()

	engine := controller.New(controller.Config{
		IterationTime:         time.Duration(config.Engine.IterationTime),
		DispatchInterval:      time.Duration(config.Engine.DispatchInterval),
		LogInterval:           time.Duration(config.Engine.LogInterval),
		MaxObjectHandlingTime: time.Duration(config.Engine.MaxObjectHandlingTime),
		MaxConcurrency:        config.Engine.MaxConcurrency,
	}, st, handler.DefaultRegistry(), simulatedExecutor(), adm, nil, collector)

	if err := engine.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	adminSrv := &http.Server{
		Addr:    config.Server.Listen,
		Handler: server.NewServer(engine, st, collector).Handler(),
	}
	go func() {
		log.Info("admin API listening", "addr", config.Server.Listen)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin API failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("admin API shutdown failed", "error", err)
	}

	engine.Stop()
	return nil
}

// simulatedExecutor wires every built-in action to a stand-in that just
// sleeps and succeeds. Real deployments replace these with BMC/PDU protocol
// clients; the simulators keep the engine runnable end to end without
// hardware.
func simulatedExecutor() *executor.CommandExecutor {
	exec := executor.NewCommandExecutor()
	actions := []string{
		handler.ActionFlashFirmware,
		handler.ActionPowerCycle,
		handler.ActionReimage,
		handler.ActionFlashDPUFirmware,
		handler.ActionPowerOnPDU,
		handler.ActionPowerOffPDU,
		handler.ActionDrainWorkloads,
	}
	for _, name := range actions {
		action := name
		exec.Register(action, func(ctx context.Context, id types.ObjectID, _ types.Action) executor.Result {
			select {
			case <-ctx.Done():
				return executor.Transient(fmt.Sprintf("%s interrupted: %v", action, ctx.Err()))
			case <-time.After(100 * time.Millisecond):
				log.Debug("simulated action executed", "action", action, "object", id)
				return executor.Success()
			}
		})
	}
	return exec
}

func buildStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the engine status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := httpGet(addr + "/v1/status")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), body)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "admin API address")
	return cmd
}

func buildTriggerCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "trigger <object-id>",
		Short: "Queue an object for immediate reconciliation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := httpPost(fmt.Sprintf("%s/v1/objects/%s/reconcile", addr, args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), body)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "admin API address")
	return cmd
}

func buildQuarantineCmd() *cobra.Command {
	var addr string

	quarantineCmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Manage quarantined objects",
	}

	clearCmd := &cobra.Command{
		Use:   "clear <object-id>",
		Short: "Return a quarantined object to automatic reconciliation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := httpPost(fmt.Sprintf("%s/v1/objects/%s/quarantine/clear", addr, args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), body)
			return nil
		},
	}

	quarantineCmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "admin API address")
	quarantineCmd.AddCommand(clearCmd)
	return quarantineCmd
}

func httpGet(url string) (string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func httpPost(url string) (string, error) {
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func readResponse(resp *http.Response) (string, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("server returned %s: %s", resp.Status, string(body))
	}
	return string(body), nil
}
