package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Server   ServerConfig
	Cluster  ClusterConfig
	WhatsApp WhatsAppConfig
	Gemini   GeminiConfig
	Storage  StorageConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type ClusterConfig struct {
	DeviceID string
	Priority int
	// SharedDir is the git-replicated directory holding the cluster
	// record and the knowledge base.
	SharedDir string
}

type WhatsAppConfig struct {
	GatewayURL   string
	GatewayToken string
	WebhookToken string
	AdminGroup   string
	// AdminNumbers is a comma-separated list of bare phone numbers.
	AdminNumbers string
}

type GeminiConfig struct {
	// APIKeys is a comma-separated pool; the bot rotates through it when
	// a key hits its quota.
	APIKeys string
	Model   string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	host, _ := os.Hostname()
	if host == "" {
		host = "silferbot"
	}
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Cluster: ClusterConfig{
			DeviceID:  host,
			Priority:  2,
			SharedDir: filepath.Join(dataDir, "shared"),
		},
		WhatsApp: WhatsAppConfig{
			GatewayURL: "http://localhost:3000",
		},
		Gemini: GeminiConfig{
			Model: "gemini-2.0-flash",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON backend under XDG_CONFIG_HOME, with
// SILFERBOT_* environment variables overriding backend values.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Gemini.APIKeys == "" {
		return Config{}, fmt.Errorf("missing required config: Gemini API keys. " +
			"Set SILFERBOT_GEMINI_API_KEYS to one or more keys separated by commas")
	}
	return cfg, nil
}

// GeminiKeys splits the configured key pool.
func (c Config) GeminiKeys() []string {
	var keys []string
	for _, k := range strings.Split(c.Gemini.APIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// AdminJIDs returns the admin phone numbers as WhatsApp user JIDs.
func (c Config) AdminJIDs() []string {
	var jids []string
	for _, n := range strings.Split(c.WhatsApp.AdminNumbers, ",") {
		if n = strings.TrimSpace(n); n != "" {
			jids = append(jids, n+"@s.whatsapp.net")
		}
	}
	return jids
}

// ClusterRecordPath is where the shared cluster record lives.
func (c Config) ClusterRecordPath() string {
	return filepath.Join(c.Cluster.SharedDir, "cluster.json")
}

// KnowledgePath is where the shared knowledge base lives.
func (c Config) KnowledgePath() string {
	return filepath.Join(c.Cluster.SharedDir, "knowledge.json")
}

// MenuPath is where the shared menu catalog lives.
func (c Config) MenuPath() string {
	return filepath.Join(c.Cluster.SharedDir, "respostas.json")
}
