package config

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

const EnvPrefix = "NG_"

type (
	Config struct {
		LogLevel    int    `env:"LOG_LEVEL,default=4"`
		DotPath     string `env:"DOT_PATH,default=~/.ngguard"`
		MetricsAddr string `env:"METRICS_ADDR,default=:2112"`
		RateLimit   RateLimit
		Spam        Spam
		Moderation  Moderation
		Backup      Backup
	}

	RateLimit struct {
		MessagesPerMinute int           `env:"RATE_MESSAGES_PER_MINUTE,default=10"`
		MessagesPerHour   int           `env:"RATE_MESSAGES_PER_HOUR,default=100"`
		APICallsPerMinute int           `env:"RATE_API_CALLS_PER_MINUTE,default=5"`
		BaseCooldown      time.Duration `env:"RATE_BASE_COOLDOWN,default=1m"`
		// CooldownCap bounds the backoff exponent, cooldown plateaus at BaseCooldown*2^CooldownCap.
		CooldownCap int `env:"RATE_COOLDOWN_CAP,default=6"`
	}

	Spam struct {
		PatternsFile     string        `env:"SPAM_PATTERNS_FILE"`
		RecentMessages   int           `env:"SPAM_RECENT_MESSAGES,default=5"`
		DuplicateWindow  time.Duration `env:"SPAM_DUPLICATE_WINDOW,default=1h"`
		DuplicateDelta   float64       `env:"SPAM_DUPLICATE_DELTA,default=15"`
		RapidInterval    time.Duration `env:"SPAM_RAPID_INTERVAL,default=2s"`
		RapidDelta       float64       `env:"SPAM_RAPID_DELTA,default=20"`
		LinkDelta        float64       `env:"SPAM_LINK_DELTA,default=30"`
		KeywordDelta     float64       `env:"SPAM_KEYWORD_DELTA,default=10"`
		CapsDelta        float64       `env:"SPAM_CAPS_DELTA,default=10"`
		CapsRatio        float64       `env:"SPAM_CAPS_RATIO,default=0.7"`
		MaxMessageLength int           `env:"SPAM_MAX_MESSAGE_LENGTH,default=4000"`
		LongDelta        float64       `env:"SPAM_LONG_DELTA,default=20"`
		MixedScriptDelta float64       `env:"SPAM_MIXED_SCRIPT_DELTA,default=15"`
	}

	Moderation struct {
		WarnThreshold      float64       `env:"MOD_WARN_THRESHOLD,default=50"`
		MuteThreshold      float64       `env:"MOD_MUTE_THRESHOLD,default=70"`
		BanThreshold       float64       `env:"MOD_BAN_THRESHOLD,default=100"`
		RateViolationDelta float64       `env:"MOD_RATE_VIOLATION_DELTA,default=10"`
		ScoreDecayPerHour  float64       `env:"MOD_SCORE_DECAY_PER_HOUR,default=10"`
		MuteBase           time.Duration `env:"MOD_MUTE_BASE,default=30m"`
		MuteMax            time.Duration `env:"MOD_MUTE_MAX,default=24h"`
		BanDuration        time.Duration `env:"MOD_BAN_DURATION,default=168h"`
		RepeatOffenderBans int           `env:"MOD_REPEAT_OFFENDER_BANS,default=3"`
		SweepInterval      time.Duration `env:"MOD_SWEEP_INTERVAL,default=1m"`
	}

	Backup struct {
		Driver    string        `env:"BACKUP_DRIVER,default=file"`
		Dir       string        `env:"BACKUP_DIR"`
		Interval  time.Duration `env:"BACKUP_INTERVAL,default=1h"`
		Retention int           `env:"BACKUP_RETENTION,default=10"`
		// WriteRetries is how many times a failed snapshot write is retried with backoff.
		WriteRetries  int           `env:"BACKUP_WRITE_RETRIES,default=2"`
		RetryInterval time.Duration `env:"BACKUP_RETRY_INTERVAL,default=200ms"`
	}
)

var (
	once         sync.Once
	globalConfig = &Config{}
	globalErr    error
)

// Load reads the process configuration once from NG_ prefixed environment variables.
func Load() (Config, error) {
	once.Do(func() {
		cfg, err := Process(context.Background(), envconfig.PrefixLookuper(EnvPrefix, envconfig.OsLookuper()))
		if err != nil {
			globalErr = err
			return
		}
		log.Traceln("loaded config")
		globalConfig = cfg
	})
	return *globalConfig, globalErr
}

func Get() Config {
	cfg, err := Load()
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load config")
	}
	return cfg
}

// Process builds a validated Config from the given lookuper.
func Process(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	envcfg := envconfig.Config{
		Lookuper: lookuper,
		Target:   cfg,
	}
	if err := envconfig.ProcessWith(ctx, &envcfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	dotPath, err := homedir.Expand(cfg.DotPath)
	if err != nil {
		return nil, fmt.Errorf("expand dot path: %w", err)
	}
	cfg.DotPath = dotPath
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.DotPath, "backups")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration with every default applied and no environment overrides.
func Default() *Config {
	cfg, err := Process(context.Background(), envconfig.MapLookuper(map[string]string{
		"DOT_PATH": filepath.Join(".", ".ngguard"),
	}))
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) Validate() error {
	rl := c.RateLimit
	switch {
	case rl.MessagesPerMinute <= 0:
		return ngerrors.Invalid("RATE_MESSAGES_PER_MINUTE", "must be positive")
	case rl.MessagesPerHour < rl.MessagesPerMinute:
		return ngerrors.Invalid("RATE_MESSAGES_PER_HOUR", "must not be lower than the per-minute cap")
	case rl.APICallsPerMinute <= 0:
		return ngerrors.Invalid("RATE_API_CALLS_PER_MINUTE", "must be positive")
	case rl.BaseCooldown <= 0:
		return ngerrors.Invalid("RATE_BASE_COOLDOWN", "must be positive")
	case rl.CooldownCap < 0 || rl.CooldownCap > 30:
		return ngerrors.Invalid("RATE_COOLDOWN_CAP", "must be within [0, 30]")
	case rl.BaseCooldown > time.Duration(math.MaxInt64>>uint(rl.CooldownCap)):
		return ngerrors.Invalid("RATE_COOLDOWN_CAP", "longest cooldown overflows, lower the cap or the base cooldown")
	}

	sp := c.Spam
	switch {
	case sp.RecentMessages < 0:
		return ngerrors.Invalid("SPAM_RECENT_MESSAGES", "must not be negative")
	case sp.CapsRatio <= 0 || sp.CapsRatio > 1:
		return ngerrors.Invalid("SPAM_CAPS_RATIO", "must be within (0, 1]")
	case sp.DuplicateDelta < 0 || sp.RapidDelta < 0 || sp.LinkDelta < 0 ||
		sp.KeywordDelta < 0 || sp.CapsDelta < 0 || sp.LongDelta < 0 || sp.MixedScriptDelta < 0:
		return ngerrors.Invalid("SPAM_*_DELTA", "deltas must not be negative")
	}

	m := c.Moderation
	switch {
	case m.WarnThreshold <= 0:
		return ngerrors.Invalid("MOD_WARN_THRESHOLD", "must be positive")
	case m.MuteThreshold < m.WarnThreshold:
		return ngerrors.Invalid("MOD_MUTE_THRESHOLD", "must not be lower than the warn threshold")
	case m.BanThreshold < m.MuteThreshold:
		return ngerrors.Invalid("MOD_BAN_THRESHOLD", "must not be lower than the mute threshold")
	case m.RateViolationDelta < 0 || m.ScoreDecayPerHour < 0:
		return ngerrors.Invalid("MOD_RATE_VIOLATION_DELTA", "must not be negative")
	case m.MuteBase <= 0 || m.MuteMax < m.MuteBase:
		return ngerrors.Invalid("MOD_MUTE_BASE", "mute base must be positive and not above MOD_MUTE_MAX")
	case m.BanDuration <= 0:
		return ngerrors.Invalid("MOD_BAN_DURATION", "must be positive")
	case m.RepeatOffenderBans <= 0:
		return ngerrors.Invalid("MOD_REPEAT_OFFENDER_BANS", "must be positive")
	}

	b := c.Backup
	switch {
	case b.Driver != "file" && b.Driver != "sqlite":
		return ngerrors.Invalid("BACKUP_DRIVER", fmt.Sprintf("unknown driver %q", b.Driver))
	case b.Retention <= 0:
		return ngerrors.Invalid("BACKUP_RETENTION", "must be positive")
	case b.Interval <= 0:
		return ngerrors.Invalid("BACKUP_INTERVAL", "must be positive")
	case b.WriteRetries < 0:
		return ngerrors.Invalid("BACKUP_WRITE_RETRIES", "must not be negative")
	case b.WriteRetries > 0 && b.RetryInterval <= 0:
		return ngerrors.Invalid("BACKUP_RETRY_INTERVAL", "must be positive when retries are enabled")
	}
	return nil
}
