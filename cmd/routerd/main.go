// Command routerd runs the userspace TCP/IP stack described in
// spec.md as a standalone process, wiring a config.Config-described
// set of devices into a stack.Stack, translating the run/subcommand
// shape of malbeclabs-doublezero's internet-latency-collector CLI.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/selfdestruct/stack/config"
	"github.com/selfdestruct/stack/ipv4"
	"github.com/selfdestruct/stack/metrics"
	"github.com/selfdestruct/stack/stack"
)

var (
	configPath  string
	metricsAddr string
	jsonLogs    bool
)

var rootCmd = &cobra.Command{
	Use:   "routerd",
	Short: "userspace IPv4/TCP router and host stack",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "attach the configured devices and run the stack until signaled",
	RunE:  runServe,
}

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "inspect the running configuration's routing table",
}

var routeShowCmd = &cobra.Command{
	Use:   "show",
	Short: "attach the configured devices and dump the route table once",
	RunE:  runRouteShow,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the TOML config file")
	_ = rootCmd.MarkPersistentFlagRequired("config")

	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose Prometheus metrics on (disabled if empty)")
	serveCmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "emit structured JSON logs instead of text")

	routeCmd.AddCommand(routeShowCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(routeCmd)
}

func newLogger(json bool) *logrus.Entry {
	log := logrus.New()
	if json {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(log)
}

func buildStack(log *logrus.Entry) (*stack.Stack, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.Apply()

	specs := make([]stack.DeviceSpec, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		specs = append(specs, stack.DeviceSpec{Name: d.Name, Sniff: d.Sniff})
	}

	st, err := stack.New(stack.Options{
		Devices:       specs,
		RouteInterval: cfg.RouteInterval(),
		ZeroISN:       cfg.SeqZero,
		Log:           log,
	})
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger(jsonLogs)

	st, _, err := buildStack(log)
	if err != nil {
		return err
	}
	defer st.Close()

	if metricsAddr != "" {
		go func() {
			if err := metrics.Serve(metricsAddr); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		log.WithField("addr", metricsAddr).Info("metrics server listening")
	}

	log.Info("routerd serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	return nil
}

func runRouteShow(cmd *cobra.Command, args []string) error {
	log := newLogger(false)

	st, _, err := buildStack(log)
	if err != nil {
		return err
	}
	defer st.Close()

	for _, item := range st.Routes.Snapshot() {
		fmt.Printf("%s/%d via %s dev %d dist %d metric %d local=%v\n",
			item.Prefix.String(), ipv4.PrefixLen(item.Mask), item.NextHopMAC.String(),
			item.DeviceID, item.Dist, item.Metric, item.IsLocal)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
