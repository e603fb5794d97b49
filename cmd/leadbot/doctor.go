package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"leadbot/internal/config"
	"leadbot/internal/memory"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the leadbot installation",
		Long: `Verifies that the configuration, database, assistant credentials and
channels are set up. Reports pass/warn/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("leadbot doctor v%s\n", version)
			fmt.Printf("----------------------------------------\n\n")

			var r report

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'leadbot init' to create a default configuration.\n")
				return r.summary()
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			if err := checkDatabase(cmd.Context(), cfg); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", cfg.Storage.Driver)
			}

			switch {
			case cfg.Assistant.APIKey == "":
				r.fail("Assistant", "assistant.apiKey is not set")
			case cfg.Assistant.AssistantID == "":
				r.fail("Assistant", "assistant.assistantId is not set")
			default:
				r.pass("Assistant", cfg.Assistant.APIBase)
			}

			checkChannels(&r, cfg.Channels)

			if err := checkPort(cfg.Server.Addr()); err != nil {
				r.warn("Server address", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
			} else {
				r.pass("Server address", cfg.Server.Addr()+" available")
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) summary() error {
	fmt.Printf("\n----------------------------------------\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func checkChannels(r *report, ch config.ChannelsConfig) {
	if ch.WhatsApp.Enabled {
		if ch.WhatsApp.AccessToken == "" || ch.WhatsApp.PhoneNumberID == "" {
			r.fail("WhatsApp", "accessToken and phoneNumberId are required")
		} else if ch.WhatsApp.AppSecret == "" {
			r.warn("WhatsApp", "appSecret not set, webhook signatures are not verified")
		} else {
			r.pass("WhatsApp", ch.WhatsApp.WebhookPath)
		}
	}
	if ch.Gateway.Enabled {
		if ch.Gateway.SendURL == "" {
			r.fail("Gateway", "sendUrl is required")
		} else if ch.Gateway.Secret == "" {
			r.warn("Gateway", "secret not set, webhook signatures are not verified")
		} else {
			r.pass("Gateway", ch.Gateway.WebhookPath)
		}
	}
	if ch.Telegram.Enabled {
		if ch.Telegram.Token == "" {
			r.fail("Telegram", "token is required")
		} else {
			r.pass("Telegram", "polling")
		}
	}
	enabled := map[string]bool{
		"console":  true,
		"whatsapp": ch.WhatsApp.Enabled,
		"gateway":  ch.Gateway.Enabled,
		"telegram": ch.Telegram.Enabled,
	}
	if enabled[ch.Active] {
		r.pass("Active channel", ch.Active)
	} else {
		r.fail("Active channel", ch.Active+" is not enabled")
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.Stats(ctx); err != nil {
		return fmt.Errorf("cannot query: %w", err)
	}
	if store.Dialect() == memory.SQLite {
		if err := checkWritable(filepath.Dir(cfg.Storage.DBPath)); err != nil {
			return err
		}
	}
	return nil
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
