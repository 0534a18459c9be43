package config

// Package config provides a reusable loader for the node's configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.2.0

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/fluxmarket/node/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// Config is the unified configuration for a node agent. It mirrors the
// structure of the YAML files Load reads (default.yaml plus an optional
// <env>.yaml, from cmd/config or config) and spec §6's recognized options.
type Config struct {
	Network struct {
		NodeID         string   `mapstructure:"node_id" json:"node_id"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	// Discovery bounds the gossip layer (spec §6): fan-out queues and cyclic
	// broadcast intervals for offer ids and unsubscribe ids.
	Discovery struct {
		MaxBcastedOffers             int `mapstructure:"max_bcasted_offers" json:"max_bcasted_offers"`
		MaxBcastedUnsubscribes       int `mapstructure:"max_bcasted_unsubscribes" json:"max_bcasted_unsubscribes"`
		MeanCyclicBcastIntervalMS    int `mapstructure:"mean_cyclic_bcast_interval_ms" json:"mean_cyclic_bcast_interval_ms"`
		MeanCyclicUnsubIntervalMS    int `mapstructure:"mean_cyclic_unsubscribes_interval_ms" json:"mean_cyclic_unsubscribes_interval_ms"`
		OfferBroadcastDelayMS        int `mapstructure:"offer_broadcast_delay_ms" json:"offer_broadcast_delay_ms"`
		UnsubBroadcastDelayMS        int `mapstructure:"unsub_broadcast_delay_ms" json:"unsub_broadcast_delay_ms"`
	} `mapstructure:"discovery" json:"discovery"`

	// Events bounds query_events' page size (spec §6).
	Events struct {
		MaxEventsDefault int `mapstructure:"max_events_default" json:"max_events_default"`
		MaxEventsMax     int `mapstructure:"max_events_max" json:"max_events_max"`
	} `mapstructure:"events" json:"events"`

	// Payments configures the billing/deadline subsystem (spec §6).
	Payments struct {
		GetEventsTimeoutMS      int    `mapstructure:"get_events_timeout_ms" json:"get_events_timeout_ms"`
		GetEventsErrorTimeoutMS int    `mapstructure:"get_events_error_timeout_ms" json:"get_events_error_timeout_ms"`
		InvoiceReissueIntervalMS int   `mapstructure:"invoice_reissue_interval_ms" json:"invoice_reissue_interval_ms"`
		SessionID               string `mapstructure:"session_id" json:"session_id"`
		PaymentDueTimeoutMS     int    `mapstructure:"payment_due_timeout_ms" json:"payment_due_timeout_ms"`
	} `mapstructure:"payments" json:"payments"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is
// loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // consult process environment variables on lookup

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the NODE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("NODE_ENV", ""))
}
