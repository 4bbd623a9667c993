// Package config loads the daemon configuration: built-in defaults,
// merged with an optional yaml file, overridable through SH_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stjordanis/superhero-wallet/pkg/models"
)

type Config struct {
	ListenAddr  string
	MetricsAddr string
	StatePath   string

	WalletName   string
	WalletOrigin string

	Networks      []models.Network
	ActiveNetwork string

	NoPopupHosts []string

	RescanInterval       time.Duration
	AnnounceGrace        time.Duration
	EvictMissing         bool
	RequestRPS           float64
	RequestBurst         int
	ConnectedStatusReset time.Duration
}

func Default() Config {
	return Config{
		ListenAddr:  "127.0.0.1:8137",
		MetricsAddr: "127.0.0.1:9137",
		StatePath:   "wallet-state.json",

		WalletName:   "Superhero",
		WalletOrigin: "https://wallet.superhero.com",

		Networks: []models.Network{
			{
				Name:          "Testnet",
				NodeURL:       "https://testnet.aeternity.io",
				MiddlewareURL: "https://testnet.aeternity.io/mdw",
				BackendURL:    "https://testnet.superhero.aeternity.art",
				NetworkID:     "ae_uat",
				TipContract:   "ct_2Cvbf3NYZ5DLoaNYAU71t67DdXLHeSXhodkSzifraVXhyX6RD7",
			},
			{
				Name:          "Mainnet",
				NodeURL:       "https://mainnet.aeternity.io",
				MiddlewareURL: "https://mainnet.aeternity.io/mdw",
				BackendURL:    "https://raendom-backend.z52da5wt.xyz",
				NetworkID:     "ae_mainnet",
				TipContract:   "tipping.chain",
			},
		},
		ActiveNetwork: "Testnet",

		NoPopupHosts: []string{"superhero.com"},

		RescanInterval:       3 * time.Second,
		AnnounceGrace:        3 * time.Second,
		RequestRPS:           5,
		RequestBurst:         10,
		ConnectedStatusReset: 2 * time.Second,
	}
}

// Active resolves the named network. Falls back to the first entry so
// a misconfigured name never leaves the daemon without a network.
func (c Config) Active() models.Network {
	for _, n := range c.Networks {
		if n.Name == c.ActiveNetwork {
			return n
		}
	}
	if len(c.Networks) > 0 {
		return c.Networks[0]
	}
	return models.Network{}
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: empty listen address")
	}
	if c.StatePath == "" {
		return fmt.Errorf("config: empty state path")
	}
	if len(c.Networks) == 0 {
		return fmt.Errorf("config: no networks defined")
	}
	if c.Active().NodeURL == "" {
		return fmt.Errorf("config: network %q has no node url", c.Active().Name)
	}
	return nil
}

type DaemonConfig struct {
	Daemon DaemonSettings `yaml:"daemon"`
}

type DaemonSettings struct {
	ListenAddr  string `yaml:"listenAddr"`
	MetricsAddr string `yaml:"metricsAddr"`
	StatePath   string `yaml:"statePath"`

	WalletName   string `yaml:"walletName"`
	WalletOrigin string `yaml:"walletOrigin"`

	Networks      []models.Network `yaml:"networks"`
	ActiveNetwork string           `yaml:"activeNetwork"`

	NoPopupHosts []string `yaml:"noPopupHosts"`

	RescanInterval       time.Duration `yaml:"rescanInterval"`
	AnnounceGrace        time.Duration `yaml:"announceGrace"`
	EvictMissing         *bool         `yaml:"evictMissing"`
	RequestRPS           float64       `yaml:"requestRps"`
	RequestBurst         int           `yaml:"requestBurst"`
	ConnectedStatusReset time.Duration `yaml:"connectedStatusReset"`
}

func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/config.yaml",
			"/etc/superhero-wallet/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed DaemonConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed.Daemon)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src DaemonSettings) {
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.MetricsAddr != "" {
		dst.MetricsAddr = src.MetricsAddr
	}
	if src.StatePath != "" {
		dst.StatePath = src.StatePath
	}
	if src.WalletName != "" {
		dst.WalletName = src.WalletName
	}
	if src.WalletOrigin != "" {
		dst.WalletOrigin = src.WalletOrigin
	}
	if src.Networks != nil {
		dst.Networks = src.Networks
	}
	if src.ActiveNetwork != "" {
		dst.ActiveNetwork = src.ActiveNetwork
	}
	if src.NoPopupHosts != nil {
		dst.NoPopupHosts = src.NoPopupHosts
	}
	if src.RescanInterval != 0 {
		dst.RescanInterval = src.RescanInterval
	}
	if src.AnnounceGrace != 0 {
		dst.AnnounceGrace = src.AnnounceGrace
	}
	if src.EvictMissing != nil {
		dst.EvictMissing = *src.EvictMissing
	}
	if src.RequestRPS != 0 {
		dst.RequestRPS = src.RequestRPS
	}
	if src.RequestBurst != 0 {
		dst.RequestBurst = src.RequestBurst
	}
	if src.ConnectedStatusReset != 0 {
		dst.ConnectedStatusReset = src.ConnectedStatusReset
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if addr := strings.TrimSpace(os.Getenv("SH_LISTEN_ADDR")); addr != "" {
		cfg.ListenAddr = addr
	}
	if addr := strings.TrimSpace(os.Getenv("SH_METRICS_ADDR")); addr != "" {
		cfg.MetricsAddr = addr
	}
	if path := strings.TrimSpace(os.Getenv("SH_STATE_PATH")); path != "" {
		cfg.StatePath = path
	}
	if network := strings.TrimSpace(os.Getenv("SH_ACTIVE_NETWORK")); network != "" {
		cfg.ActiveNetwork = network
	}
	if hosts := strings.TrimSpace(os.Getenv("SH_NO_POPUP_HOSTS")); hosts != "" {
		cfg.NoPopupHosts = splitHosts(hosts)
	}

	raw := strings.TrimSpace(os.Getenv("SH_EVICT_MISSING"))
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return
	}
	cfg.EvictMissing = v
}

func splitHosts(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if host := strings.TrimSpace(p); host != "" {
			out = append(out, host)
		}
	}
	return out
}
