package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/Courier/internal/log"
	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/CZERTAINLY/Courier/internal/service"
	"github.com/CZERTAINLY/Courier/internal/worker"
)

var (
	userConfigPath string // /default/config/path/courier on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	workerConfig   worker.Config
	logSink        io.Closer

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "courier")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is courier.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initCourier
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if logSink != nil {
			_ = logSink.Close()
		}
	}

	initListFlags()
	initHistoryFlags()
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("courier failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "courier",
	Short:        "Supervisor of third party copies served over HTTP",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run serves transfer requests until interrupted",
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a courier",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("courier: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("courier: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("courier",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	svc, err := service.New(ctx, config, workerConfig)
	if err != nil {
		return err
	}
	return svc.Do(ctx)
}

func initCourier(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("COURIERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "courier.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		config = model.DefaultConfig(cwd)
		configPath = filepath.Join(userConfigPath, "courier.yaml")
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// the worker section is free form for the schema, viper decodes it
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading worker configuration: %w", err)
	}
	var err error
	workerConfig, err = worker.ParseConfig("worker")
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	w, err := log.Open(config.Service.Log)
	if err != nil {
		return err
	}
	logSink = w
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("courier run", "configPath", configPath)
	slog.Debug("courier run", "config", config)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// commandContext is the context of a short lived subcommand.
func commandContext(cmd *cobra.Command, name string) context.Context {
	return log.ContextAttrs(cmd.Context(), slog.Group("courier",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	))
}
