package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type profile struct {
	BaseURL string `yaml:"baseUrl"`
	Token   string `yaml:"token"`
	// Address is informational; the server derives the principal from the token.
	Address     string `yaml:"address,omitempty"`
	Measurement string `yaml:"measurement,omitempty"`
	KeyFile     string `yaml:"keyFile,omitempty"`
}

type cliConfig struct {
	CurrentProfile string             `yaml:"currentProfile"`
	Profiles       map[string]profile `yaml:"profiles"`
}

func initCmd(profileName *string, ui *ui) *cobra.Command {
	var (
		baseURL  string
		token    string
		address  string
		noPrompt bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize CLI config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]

			baseURL = firstNonEmpty(baseURL, prof.BaseURL, "http://localhost:8080")
			address = firstNonEmpty(address, prof.Address)
			if !noPrompt {
				reader := bufio.NewReader(os.Stdin)
				baseURL = prompt(reader, "Base URL", baseURL)
				address = prompt(reader, "Principal address (optional)", address)
				if token == "" {
					p, err := promptSecret("Token (optional)")
					if err != nil {
						return err
					}
					token = p
				}
			}

			prof.BaseURL = strings.TrimSpace(baseURL)
			prof.Address = strings.TrimSpace(address)
			if token != "" {
				prof.Token = strings.TrimSpace(token)
			}
			cfg.Profiles[active] = prof
			if cfg.CurrentProfile == "" || *profileName != "" {
				cfg.CurrentProfile = active
			}
			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Initialized profile '%s' at %s\n", ui.ok("[OK]"), active, cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Base URL for validq")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	cmd.Flags().StringVar(&address, "address", "", "Principal address")
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "Disable interactive prompts")
	return cmd
}

func authCmd(profileName *string, ui *ui) *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored credentials",
	}

	var (
		token       string
		address     string
		measurement string
		keyFile     string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Store credentials in config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" && address == "" && measurement == "" && keyFile == "" {
				return errors.New("provide --token, --address, --measurement and/or --key-file")
			}
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]
			if token != "" {
				prof.Token = strings.TrimSpace(token)
			}
			if address != "" {
				prof.Address = strings.TrimSpace(address)
			}
			if measurement != "" {
				prof.Measurement = strings.TrimSpace(measurement)
			}
			if keyFile != "" {
				prof.KeyFile = strings.TrimSpace(keyFile)
			}
			cfg.Profiles[active] = prof
			if cfg.CurrentProfile == "" || *profileName != "" {
				cfg.CurrentProfile = active
			}
			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Credentials updated for '%s'\n", ui.ok("[OK]"), active)
			return nil
		},
	}
	set.Flags().StringVar(&token, "token", "", "Bearer token")
	set.Flags().StringVar(&address, "address", "", "Principal address")
	set.Flags().StringVar(&measurement, "measurement", "", "Default enclave measurement for attestations")
	set.Flags().StringVar(&keyFile, "key-file", "", "Attestor private key file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show stored credentials (masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]
			fmt.Printf("%s Profile: %s\n", ui.title("validq"), active)
			fmt.Printf("%s Base URL:    %s\n", ui.info("•"), emptyOr(prof.BaseURL, "<unset>"))
			fmt.Printf("%s Address:     %s\n", ui.info("•"), emptyOr(prof.Address, "<unset>"))
			fmt.Printf("%s Token:       %s\n", ui.info("•"), maskToken(prof.Token))
			fmt.Printf("%s Measurement: %s\n", ui.info("•"), emptyOr(prof.Measurement, "<unset>"))
			fmt.Printf("%s Key file:    %s\n", ui.info("•"), emptyOr(prof.KeyFile, "<unset>"))
			return nil
		},
	}

	auth.AddCommand(set, show)
	return auth
}

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("VALIDQ_CONFIG_DIR")); v != "" {
		return filepath.Join(v, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".validq", "config.yaml")
}

func loadConfig() (cliConfig, string, error) {
	path := configPath()
	var cfg cliConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cliConfig{Profiles: map[string]profile{}}, path, nil
		}
		return cfg, path, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]profile{}
	}
	return cfg, path, nil
}

func saveConfig(cfg cliConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func resolveProfileName(flag string, cfg cliConfig) string {
	if strings.TrimSpace(flag) != "" {
		return strings.TrimSpace(flag)
	}
	if v := strings.TrimSpace(os.Getenv("VALIDQ_PROFILE")); v != "" {
		return v
	}
	if cfg.CurrentProfile != "" {
		return cfg.CurrentProfile
	}
	return "default"
}

// activeProfile returns the profile selected by flag, env or config.
func activeProfile(flag string) profile {
	cfg, _, _ := loadConfig()
	return cfg.Profiles[resolveProfileName(flag, cfg)]
}

func prompt(r *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func maskToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "<unset>"
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func emptyOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
