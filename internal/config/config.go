// Package config loads and validates the beem TOML configuration file.
package config

import (
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/beembot/beem/internal/beemerr"
)

// Config is the root of the beem configuration file. The webtiles, twitch
// and status tables are optional; a nil pointer means the service is
// disabled.
type Config struct {
	DBFile   string          `mapstructure:"db_file"`
	Logging  LoggingConfig   `mapstructure:"logging_config"`
	DCSS     DCSSConfig      `mapstructure:"dcss"`
	WebTiles *WebTilesConfig `mapstructure:"webtiles"`
	Twitch   *TwitchConfig   `mapstructure:"twitch"`
	Status   *StatusConfig   `mapstructure:"status"`
}

// LoggingConfig configures the slog handler. When Filename is set, MaxBytes
// and BackupCount control the size-based rollover.
type LoggingConfig struct {
	Format      string `mapstructure:"format"`
	DateFmt     string `mapstructure:"datefmt"`
	Level       string `mapstructure:"level"`
	Filename    string `mapstructure:"filename"`
	MaxBytes    int64  `mapstructure:"max_bytes"`
	BackupCount int    `mapstructure:"backup_count"`
}

// BotConfig describes one knowledge bot on the DCSS IRC network. A bot
// declares at least one pattern list; the list a message matches decides
// both the target bot and the reply kind (stats replies are plain chat,
// monster and repo replies keep their kind for downstream relaying).
type BotConfig struct {
	Nick string `mapstructure:"nick"`
	// UseRelayPrefix marks a bot that echoes a caller-supplied prefix
	// (the Sequell !RELAY form). Queries to other bots are answered in
	// FIFO order instead.
	UseRelayPrefix  bool     `mapstructure:"use_relay_prefix"`
	StatsPatterns   []string `mapstructure:"stats_patterns"`
	MonsterPatterns []string `mapstructure:"monster_patterns"`
	RepoPatterns    []string `mapstructure:"repo_patterns"`
	// ResponsePatterns, when set for a queue-ordered bot, gate which of its
	// lines are treated as replies; anything else is dropped without
	// consuming the queue.
	ResponsePatterns []string `mapstructure:"response_patterns"`
}

// DCSSConfig configures the knowledge-bot IRC connection.
type DCSSConfig struct {
	Hostname    string      `mapstructure:"hostname"`
	Port        int         `mapstructure:"port"`
	Nick        string      `mapstructure:"nick"`
	Username    string      `mapstructure:"username"`
	Password    string      `mapstructure:"password"`
	UseSSL      bool        `mapstructure:"use_ssl"`
	FakeConnect bool        `mapstructure:"fake_connect"`
	BadPatterns []string    `mapstructure:"bad_patterns"`
	Bots        []BotConfig `mapstructure:"bots"`
}

// WebTilesConfig configures the WebTiles service. Durations are seconds in
// the TOML file.
type WebTilesConfig struct {
	ServerURL              string   `mapstructure:"server_url"`
	ProtocolVersion        int      `mapstructure:"protocol_version"`
	Username               string   `mapstructure:"username"`
	Password               string   `mapstructure:"password"`
	HelpText               string   `mapstructure:"help_text"`
	MaxWatchedSubscribers  int      `mapstructure:"max_watched_subscribers"`
	MaxGameIdle            float64  `mapstructure:"max_game_idle"`
	GameRewatchTimeout     float64  `mapstructure:"game_rewatch_timeout"`
	AutowatchEnabled       bool     `mapstructure:"autowatch_enabled"`
	MinAutowatchSpectators int      `mapstructure:"min_autowatch_spectators"`
	GreetingText           string   `mapstructure:"greeting_text"`
	TwitchReminderText     string   `mapstructure:"twitch_reminder_text"`
	TwitchReminderPeriod   float64  `mapstructure:"twitch_reminder_period"`
	NeverWatch             []string `mapstructure:"never_watch"`
	Admins                 []string `mapstructure:"admins"`
	WatchUsername          string   `mapstructure:"watch_username"`
	CommandPeriod          float64  `mapstructure:"command_period"`
	CommandLimit           int      `mapstructure:"command_limit"`
}

// TwitchConfig configures the Twitch IRC service.
type TwitchConfig struct {
	Hostname              string   `mapstructure:"hostname"`
	Port                  int      `mapstructure:"port"`
	Nick                  string   `mapstructure:"nick"`
	Password              string   `mapstructure:"password"`
	HelpText              string   `mapstructure:"help_text"`
	MessageLimit          int      `mapstructure:"message_limit"`
	ModeratorMessageLimit int      `mapstructure:"moderator_message_limit"`
	MessageTimeout        float64  `mapstructure:"message_timeout"`
	MaxChatIdle           float64  `mapstructure:"max_chat_idle"`
	RequestExpireTime     float64  `mapstructure:"request_expire_time"`
	MaxWatchedSubscribers int      `mapstructure:"max_watched_subscribers"`
	MinIdle               float64  `mapstructure:"min_idle"`
	WatchUser             string   `mapstructure:"watch_user"`
	NeverWatch            []string `mapstructure:"never_watch"`
	Admins                []string `mapstructure:"admins"`
	CommandPeriod         float64  `mapstructure:"command_period"`
	CommandLimit          int      `mapstructure:"command_limit"`
}

// StatusConfig enables the metrics/health HTTP listener.
type StatusConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load reads, parses and validates the TOML configuration at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(beemerr.ErrConfigInvalid, "read %s: %v", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(beemerr.ErrConfigInvalid, "parse %s: %v", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required tables and fields and applies the single-user
// mode overrides.
func (c *Config) Validate() error {
	if c.DBFile == "" {
		return confErr("db_file undefined")
	}
	if c.Logging.Format == "" {
		return confErr("logging_config.format undefined")
	}
	if c.Logging.Filename != "" && (c.Logging.MaxBytes <= 0 || c.Logging.BackupCount <= 0) {
		return confErr("logging_config.filename requires max_bytes and backup_count")
	}

	if err := c.DCSS.validate(); err != nil {
		return err
	}
	if c.WebTiles != nil {
		if err := c.WebTiles.validate(); err != nil {
			return err
		}
	}
	if c.Twitch != nil {
		if err := c.Twitch.validate(); err != nil {
			return err
		}
	}
	if c.Status != nil && c.Status.ListenAddr == "" {
		return confErr("status.listen_addr undefined")
	}
	return nil
}

func (c *DCSSConfig) validate() error {
	if c.Hostname == "" || c.Port == 0 || c.Nick == "" {
		return confErr("dcss requires hostname, port and nick")
	}
	if c.Username != "" && c.Password == "" {
		return confErr("dcss.username requires password")
	}
	if len(c.Bots) == 0 {
		return confErr("no bots defined in the dcss.bots table")
	}
	for i, bot := range c.Bots {
		if bot.Nick == "" {
			return confErr("dcss.bots entry %d: nick undefined", i+1)
		}
		if len(bot.StatsPatterns)+len(bot.MonsterPatterns)+len(bot.RepoPatterns) == 0 {
			return confErr("dcss.bots entry %d: no query patterns defined", i+1)
		}
	}
	return nil
}

func (c *WebTilesConfig) validate() error {
	if c.ServerURL == "" || c.Username == "" || c.Password == "" {
		return confErr("webtiles requires server_url, username and password")
	}
	if c.ProtocolVersion == 0 {
		return confErr("webtiles.protocol_version undefined")
	}
	if c.HelpText == "" {
		return confErr("webtiles.help_text undefined")
	}
	if c.CommandPeriod <= 0 || c.CommandLimit <= 0 {
		return confErr("webtiles requires command_period and command_limit")
	}

	if c.WatchUsername != "" {
		// Single-user mode: one pinned subscriber slot, never give up
		// on the watched game, no autowatch.
		c.MaxWatchedSubscribers = 1
		c.MaxGameIdle = math.Inf(1)
		c.GameRewatchTimeout = math.Inf(1)
		c.AutowatchEnabled = false
		return nil
	}

	if c.MaxWatchedSubscribers <= 0 || c.MaxGameIdle <= 0 || c.GameRewatchTimeout <= 0 {
		return confErr("webtiles requires max_watched_subscribers, max_game_idle and game_rewatch_timeout")
	}
	if c.AutowatchEnabled && c.MinAutowatchSpectators <= 0 {
		return confErr("webtiles.autowatch_enabled requires min_autowatch_spectators")
	}
	return nil
}

func (c *TwitchConfig) validate() error {
	if c.Hostname == "" || c.Port == 0 || c.Nick == "" || c.Password == "" {
		return confErr("twitch requires hostname, port, nick and password")
	}
	if c.MessageLimit <= 0 || c.ModeratorMessageLimit <= 0 || c.MessageTimeout <= 0 {
		return confErr("twitch requires message_limit, moderator_message_limit and message_timeout")
	}
	if c.MaxChatIdle <= 0 || c.RequestExpireTime <= 0 {
		return confErr("twitch requires max_chat_idle and request_expire_time")
	}
	if c.MaxWatchedSubscribers <= 0 || c.MinIdle <= 0 {
		return confErr("twitch requires max_watched_subscribers and min_idle")
	}
	if c.CommandPeriod <= 0 {
		c.CommandPeriod = 10
	}
	if c.CommandLimit <= 0 {
		c.CommandLimit = 3
	}
	return nil
}

func confErr(format string, args ...any) error {
	return errors.Wrapf(beemerr.ErrConfigInvalid, format, args...)
}

// Seconds converts a config duration (seconds, possibly +Inf in single-user
// mode) into a time.Duration.
func Seconds(s float64) time.Duration {
	if math.IsInf(s, 1) || s > math.MaxInt64/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(s * float64(time.Second))
}

// SingleUserMode reports whether the WebTiles service is pinned to one user.
func (c *WebTilesConfig) SingleUserMode() bool {
	return c.WatchUsername != ""
}

// IsAdmin reports whether name is in the WebTiles admin list.
func (c *WebTilesConfig) IsAdmin(name string) bool {
	return containsFold(c.Admins, name)
}

// IsAdmin reports whether name is in the Twitch admin list.
func (c *TwitchConfig) IsAdmin(name string) bool {
	return containsFold(c.Admins, name)
}

func containsFold(list []string, name string) bool {
	for _, entry := range list {
		if strings.EqualFold(entry, name) {
			return true
		}
	}
	return false
}
