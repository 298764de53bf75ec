// Command apisimd is the API Simulator daemon: it loads service
// definitions from disk, starts the fleet, and serves the control-plane
// HTTP/JSON API described in SPEC_FULL.md §6. Its command structure
// (a root command plus a serve subcommand with flag-bound options) is
// grounded on the cobra usage seen across the retrieval pack (e.g.
// onurartan-mockserver's main.go).
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"apisim/definitionio"
	"apisim/eventbus"
	"apisim/fleet"
	"apisim/httpapi"
	"apisim/logsink"
	"apisim/validator"
)

const version = "0.1.0"

func main() {
	var (
		controlAddr string
		defPaths    []string
		autoStart   bool
		logCapacity int
		queueSize   int
	)

	rootCmd := &cobra.Command{
		Use:     "apisimd",
		Short:   "API Simulator daemon",
		Version: version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Load service definitions and serve the control-plane API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(controlAddr, defPaths, autoStart, logCapacity, queueSize)
		},
	}
	serveCmd.Flags().StringVar(&controlAddr, "addr", ":7070", "control-plane listen address")
	serveCmd.Flags().StringSliceVar(&defPaths, "def", nil, "service definition file to load (repeatable)")
	serveCmd.Flags().BoolVar(&autoStart, "start", true, "start loaded services immediately")
	serveCmd.Flags().IntVar(&logCapacity, "log-capacity", logsink.DefaultCapacity, "in-memory request log ring buffer size")
	serveCmd.Flags().IntVar(&queueSize, "event-queue-size", eventbus.DefaultQueueSize, "per-subscriber event queue depth")
	rootCmd.AddCommand(serveCmd)

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a service definition file without starting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(args[0])
		},
	}
	rootCmd.AddCommand(validateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(path string) error {
	def, err := definitionio.Load(path)
	if err != nil {
		return fmt.Errorf("apisimd: %w", err)
	}
	report := validator.Validate(def)
	for _, e := range report.Errors {
		fmt.Printf("ERROR: %s\n", e)
	}
	for _, w := range report.Warnings {
		fmt.Printf("WARN:  %s\n", w)
	}
	if !report.OK() {
		return fmt.Errorf("apisimd: %s failed validation with %d error(s)", path, len(report.Errors))
	}
	fmt.Printf("%s: valid (%d warning(s))\n", path, len(report.Warnings))
	return nil
}

func runServe(controlAddr string, defPaths []string, autoStart bool, logCapacity, queueSize int) error {
	events := eventbus.New(queueSize)
	logs := logsink.New(logCapacity)

	sub := events.Subscribe()
	go func() {
		for {
			ev, _, ok := sub.Next(nil)
			if !ok {
				return
			}
			if ev.RequestLog != nil {
				logs.Publish(*ev.RequestLog)
			}
		}
	}()

	manager := fleet.New(events)

	for _, path := range defPaths {
		def, err := definitionio.Load(path)
		if err != nil {
			return fmt.Errorf("apisimd: loading %s: %w", path, err)
		}
		report, err := manager.Load(def, false)
		if !report.OK() {
			return fmt.Errorf("apisimd: %s failed validation: %v", path, report.Errors)
		}
		if err != nil {
			return fmt.Errorf("apisimd: loading %s: %w", path, err)
		}
		if autoStart {
			if err := manager.Start(def.Name); err != nil {
				return fmt.Errorf("apisimd: starting %s: %w", def.Name, err)
			}
		}
		log.Printf("apisimd: loaded service %q from %s", def.Name, path)
	}

	api := httpapi.New(manager, logs, events)
	server := &http.Server{Addr: controlAddr, Handler: api.Routes()}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("apisimd: control plane listening on %s", controlAddr)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("apisimd: control plane: %w", err)
		}
	case <-sigCh:
		log.Println("apisimd: shutting down")
		manager.Shutdown()
		_ = server.Close()
	}
	return nil
}
