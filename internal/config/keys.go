package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SILFERBOT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "cluster.device_id", typ: kString, env: "SILFERBOT_CLUSTER_DEVICE_ID",
		apply:   func(cfg *Config, v any) { cfg.Cluster.DeviceID = v.(string) },
		extract: func(cfg Config) any { return cfg.Cluster.DeviceID },
	},
	{
		key: "cluster.priority", typ: kInt, env: "SILFERBOT_CLUSTER_PRIORITY",
		apply:   func(cfg *Config, v any) { cfg.Cluster.Priority = v.(int) },
		extract: func(cfg Config) any { return cfg.Cluster.Priority },
	},
	{
		key: "cluster.shared_dir", typ: kString, env: "SILFERBOT_CLUSTER_SHARED_DIR",
		apply:   func(cfg *Config, v any) { cfg.Cluster.SharedDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Cluster.SharedDir },
	},
	{
		key: "whatsapp.gateway_url", typ: kString, env: "SILFERBOT_WHATSAPP_GATEWAY_URL",
		apply:   func(cfg *Config, v any) { cfg.WhatsApp.GatewayURL = v.(string) },
		extract: func(cfg Config) any { return cfg.WhatsApp.GatewayURL },
	},
	{
		key: "whatsapp.gateway_token", typ: kString, env: "SILFERBOT_WHATSAPP_GATEWAY_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.WhatsApp.GatewayToken = v.(string) },
		extract: func(cfg Config) any { return cfg.WhatsApp.GatewayToken },
	},
	{
		key: "whatsapp.webhook_token", typ: kString, env: "SILFERBOT_WHATSAPP_WEBHOOK_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.WhatsApp.WebhookToken = v.(string) },
		extract: func(cfg Config) any { return cfg.WhatsApp.WebhookToken },
	},
	{
		key: "whatsapp.admin_group", typ: kString, env: "SILFERBOT_WHATSAPP_ADMIN_GROUP",
		apply:   func(cfg *Config, v any) { cfg.WhatsApp.AdminGroup = v.(string) },
		extract: func(cfg Config) any { return cfg.WhatsApp.AdminGroup },
	},
	{
		key: "whatsapp.admin_numbers", typ: kString, env: "SILFERBOT_WHATSAPP_ADMIN_NUMBERS",
		apply:   func(cfg *Config, v any) { cfg.WhatsApp.AdminNumbers = v.(string) },
		extract: func(cfg Config) any { return cfg.WhatsApp.AdminNumbers },
	},
	{
		key: "gemini.api_keys", typ: kString, env: "SILFERBOT_GEMINI_API_KEYS",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKeys = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKeys },
	},
	{
		key: "gemini.model", typ: kString, env: "SILFERBOT_GEMINI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Model },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SILFERBOT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SILFERBOT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
