package main

type Config struct {
	Host        string `json:"host"`
	PprofHost   string `json:"pprof_host" yaml:"pprof_host" mapstructure:"pprof_host"`
	Secret      string `json:"secret"`
	AdminSecret string `json:"adminsecret"`
	AdminUser   string `json:"adminuser" yaml:"adminuser" mapstructure:"adminuser"`
	DB          string `json:"db"`
	DBLog       bool   `json:"dblog"`

	Redis    RedisConfig    `json:"redis" yaml:"redis" mapstructure:"redis"`
	Client   ClientConfig   `json:"client" yaml:"client" mapstructure:"client"`
	Channel  ChannelConfig  `json:"channel" yaml:"channel" mapstructure:"channel"`
	Presence PresenceConfig `json:"presence" yaml:"presence" mapstructure:"presence"`
	Relay    RelayConfig    `json:"relay" yaml:"relay" mapstructure:"relay"`
}

type RedisConfig struct {
	Enable  bool   `json:"enable" yaml:"enable" mapstructure:"enable"`
	Host    string `json:"host" yaml:"host" mapstructure:"host"`
	Name    string `json:"name" yaml:"name" mapstructure:"name"`
	Channel string `json:"channel" yaml:"channel" mapstructure:"channel"`
}

type ClientConfig struct {
	ReadMessageSizeLimit int64 `json:"read_message_size_limit" yaml:"read_message_size_limit" mapstructure:"read_message_size_limit"`
	Compression          bool  `json:"compression" yaml:"compression" mapstructure:"compression"`
	CompressionLevel     int   `json:"compression_level" yaml:"compression_level" mapstructure:"compression_level"`
	ReadBufferSize       int   `json:"read_buffer_size" yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize      int   `json:"write_buffer_size" yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	SendBufferSize       int   `json:"send_buffer_size" yaml:"send_buffer_size" mapstructure:"send_buffer_size"`
}

type ChannelConfig struct {
	// MessageCap bounds the per-channel message log; oldest entries are
	// pruned past it.
	MessageCap int `json:"message_cap" yaml:"message_cap" mapstructure:"message_cap"`
}

type PresenceConfig struct {
	// StaleSeconds is the window after which a record without a heartbeat
	// is treated as offline.
	StaleSeconds int `json:"stale_seconds" yaml:"stale_seconds" mapstructure:"stale_seconds"`
}

type RelayConfig struct {
	// EventBuffer sizes the mesh-ingestion channel between the relay
	// bridge and the connection handler.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer" mapstructure:"event_buffer"`
}

const (
	defaultMessageCap    = 1000
	defaultStaleSeconds  = 60
	defaultEventBuffer   = 64
	defaultSendBuffer    = 16
	defaultReadSizeLimit = 1 << 20
)

// withDefaults fills unset knobs so a zero Config is still serviceable and
// tests do not have to spell out the whole tree.
func (c Config) withDefaults() Config {
	if c.Channel.MessageCap <= 0 {
		c.Channel.MessageCap = defaultMessageCap
	}
	if c.Presence.StaleSeconds <= 0 {
		c.Presence.StaleSeconds = defaultStaleSeconds
	}
	if c.Relay.EventBuffer <= 0 {
		c.Relay.EventBuffer = defaultEventBuffer
	}
	if c.Client.SendBufferSize <= 0 {
		c.Client.SendBufferSize = defaultSendBuffer
	}
	if c.Client.ReadMessageSizeLimit <= 0 {
		c.Client.ReadMessageSizeLimit = defaultReadSizeLimit
	}
	return c
}
