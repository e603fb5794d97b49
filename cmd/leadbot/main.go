package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"leadbot/internal/config"
	"leadbot/internal/delivery"
	"leadbot/internal/domain"
	"leadbot/internal/logging"
	"leadbot/internal/memory"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger, _ = logging.New(logging.Options{Level: slog.LevelInfo})

	root := &cobra.Command{
		Use:   "leadbot",
		Short: "leadbot: paced assistant replies for lead conversations",
		Long: "leadbot answers inbound WhatsApp, gateway and Telegram messages through an OpenAI assistant " +
			"and delivers the reply in short, human-paced blocks.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.leadbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(splitCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(pipelineCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(configCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", logging.Path(cfgPath))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// loadConfigOrDefaults falls back to the defaults when no usable config file
// exists, for commands that work without one.
func loadConfigOrDefaults() *config.Config {
	cfg, err := loadConfig()
	if err != nil {
		logger.Warn("config not loaded, using defaults", logging.Err(err))
		cfg = config.Defaults()
		if err := config.ApplyEnv(cfg); err != nil {
			logger.Warn("env overrides ignored", logging.Err(err))
		}
		cfg.Storage.DBPath = config.ExpandPath(cfg.Storage.DBPath)
	}
	return cfg
}

func openStore(cfg *config.Config) (*memory.SQLStore, error) {
	store, err := memory.Open(memory.Options{
		Driver: cfg.Storage.Driver,
		DBPath: cfg.Storage.DBPath,
		DSN:    cfg.Storage.DSN,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

func newPacer(d config.DeliveryConfig, sender domain.Sender, noDelay bool) *delivery.Pacer {
	return delivery.NewPacer(delivery.PacerConfig{
		Sender:         sender,
		InitialMin:     time.Duration(d.InitialMinMs) * time.Millisecond,
		InitialMax:     time.Duration(d.InitialMaxMs) * time.Millisecond,
		Between:        time.Duration(d.BetweenMs) * time.Millisecond,
		SendsPerSecond: d.SendsPerSecond,
		NoDelay:        noDelay,
		Logger:         logger,
	})
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and stored conversation counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				fmt.Printf("config:   %s (not loaded: %v)\n", cfgPath, err)
				return nil
			}
			fmt.Printf("config:   %s\n", cfgPath)
			fmt.Printf("version:  %s\n", version)
			fmt.Printf("channel:  %s\n", cfg.Channels.Active)
			fmt.Printf("storage:  %s\n", cfg.Storage.Driver)
			fmt.Printf("server:   %s\n", cfg.Server.Addr())

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			st, err := store.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("read stats: %w", err)
			}
			fmt.Printf("contacts: %d\n", st.Contacts)
			fmt.Printf("conversations: %d (%d with assistant thread)\n", st.Conversations, st.WithThread)
			fmt.Printf("messages: %d\n", st.Messages)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. delivery.maxBlockChars)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. channels.active gateway)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", logging.Path(args[0]))
			return nil
		},
	})

	var keys bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if keys {
				paths := config.ListPaths(config.Sanitize(cfg))
				for _, key := range slices.Sorted(maps.Keys(paths)) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", key, paths[key])
				}
				return nil
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	list.Flags().BoolVar(&keys, "keys", false, "print one settable key per line")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
