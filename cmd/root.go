package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/lance13c/browzer/internal/browser"
	"github.com/lance13c/browzer/internal/config"
	"github.com/lance13c/browzer/internal/events"
	"github.com/lance13c/browzer/internal/logging"
	"github.com/lance13c/browzer/internal/metrics"
	"github.com/lance13c/browzer/internal/store"
	"github.com/lance13c/browzer/internal/stream"
)

var (
	cfgFile     string
	appConfig   *config.Config
	projectRoot string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "browzer",
	Short: "Record browser interactions and replay them as workflows",
	Long: `browzer records what you do in Chrome, cleans the recording up into a
replayable workflow with input variables, and replays it with self-healing
element location.

  browzer record --url https://app.example.com/login
  browzer workflows list
  browzer replay "Login" --var email=ada@example.com`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .browzer/config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().StringP("project", "p", ".", "project directory")
}

// initConfig sets up logging and reads the config file and BROWZER_* overrides
func initConfig() {
	verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
	projectDir, _ := rootCmd.PersistentFlags().GetString("project")

	if err := logging.Initialize(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize logging: %v\n", err)
	} else {
		logging.RedirectStandardLog()
	}
	if verbose {
		logging.GetLogger().SetLevel(logging.DEBUG)
	}

	loader := config.NewLoader(projectDir).WithPath(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		logging.Warn("Failed to load config, using defaults: %v", err)
		cfg = config.DefaultConfig()
	}
	appConfig = cfg
	projectRoot = loader.GetProjectRoot()

	appConfig.Storage.Dir = config.ResolvePath(projectRoot, appConfig.Storage.Dir)
	appConfig.Storage.SQLitePath = config.ResolvePath(projectRoot, appConfig.Storage.SQLitePath)
	appConfig.Recorder.SnapshotDir = config.ResolvePath(projectRoot, appConfig.Recorder.SnapshotDir)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// interactive reports whether stdout is a terminal we can draw a TUI on
func interactive() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) && term.IsTerminal(int(os.Stdin.Fd()))
}

func openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, appConfig.Storage, logging.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", appConfig.Storage.Backend, err)
	}
	return st, nil
}

// services are the optional listeners shared by record and replay
type services struct {
	bus     *events.Bus
	metrics *metrics.Collector
	hub     *stream.Hub
}

// startServices creates the event bus and, when enabled, serves metrics and
// the event stream until ctx ends
func startServices(ctx context.Context) *services {
	log := logging.Named("services")
	s := &services{bus: events.NewBus(logging.Named("events"))}

	if appConfig.Metrics.Enabled {
		s.metrics = metrics.NewCollector("browzer", logging.Named("metrics"))
		go func() {
			if err := s.metrics.Serve(ctx, appConfig.Metrics.Addr); err != nil {
				log.Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}
	if appConfig.Stream.Enabled {
		s.hub = stream.NewHub(s.bus, logging.Named("stream"))
		go func() {
			if err := s.hub.Serve(ctx, appConfig.Stream.Addr); err != nil {
				log.Warn("event stream stopped", zap.Error(err))
			}
		}()
	}
	return s
}

func (s *services) Close() {
	if s.hub != nil {
		s.hub.Close()
	}
	s.bus.Close()
}

// connect reaches Chrome per the chrome config section
func connect() (*browser.Manager, error) {
	mgr, err := browser.Connect(appConfig.Chrome)
	if err != nil {
		if appConfig.Chrome.Launch {
			return nil, err
		}
		return nil, fmt.Errorf("%w\nstart Chrome with --remote-debugging-port=%d, set chrome.launch: true, or run 'browzer targets'", err, appConfig.Chrome.Port)
	}
	return mgr, nil
}
