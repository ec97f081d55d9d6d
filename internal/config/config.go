// Package config provides configuration types and loading for clawscope.
package config

// Config is the root configuration struct.
type Config struct {
	Server ServerConfig `json:"server"`
	Store  StoreConfig  `json:"store"`
	Mirror MirrorConfig `json:"mirror"`
	Notify NotifyConfig `json:"notify"`
}

// ServerConfig groups HTTP/WebSocket listener settings. When the preferred
// port is busy, binding retries sequentially across PortRange ports so
// concurrent local instances can coexist.
type ServerConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	PortRange int    `json:"portRange" envconfig:"PORT_RANGE"`
}

// StoreConfig groups event database settings.
type StoreConfig struct {
	DBPath string `json:"dbPath" envconfig:"DB_PATH"`
}

// MirrorConfig configures the optional Kafka event mirror. Disabled unless
// brokers are set.
type MirrorConfig struct {
	Brokers string `json:"brokers" envconfig:"MIRROR_BROKERS"`
	Topic   string `json:"topic" envconfig:"MIRROR_TOPIC"`
}

// NotifyConfig configures the optional Slack ping for pending HITL requests.
type NotifyConfig struct {
	SlackWebhookURL string `json:"slackWebhookUrl" envconfig:"SLACK_WEBHOOK_URL"`
}
