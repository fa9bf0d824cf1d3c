package engine

import (
	"strings"
	"time"

	"github.com/veldt-labs/tokenhall/internal/platform/config"
	apperrors "github.com/veldt-labs/tokenhall/internal/platform/errors"
)

// Config carries every tunable the engine reads. Values come from the
// environment via LoadConfig or are filled directly by the embedding host.
type Config struct {
	// APIBaseURL is the mutation/fetch API endpoint.
	APIBaseURL string `env:"TOKENHALL_API_URL"`
	// BearerToken authenticates every mutation API call.
	BearerToken string `env:"TOKENHALL_BEARER_TOKEN"`
	// PushURL is the websocket push transport endpoint. Empty disables
	// push subscriptions.
	PushURL string `env:"TOKENHALL_PUSH_URL"`
	// OracleURL is the balance oracle endpoint. Empty disables balance
	// refresh.
	OracleURL string `env:"TOKENHALL_ORACLE_URL"`
	// MembershipDBPath is the sqlite file for verified membership records.
	// Empty keeps memberships in memory only.
	MembershipDBPath string `env:"TOKENHALL_DB_PATH"`

	Heartbeat time.Duration `env:"TOKENHALL_HEARTBEAT" envDefault:"30s"`
	Reconnect time.Duration `env:"TOKENHALL_RECONNECT" envDefault:"5s"`

	// MinTokens is the whole-token balance required for member role.
	MinTokens int64 `env:"TOKENHALL_MIN_TOKENS" envDefault:"10000"`
	// PercentUnit is the whole-token supply reference for holding
	// percentage (tokens per 100%).
	PercentUnit int64 `env:"TOKENHALL_PERCENT_UNIT" envDefault:"10000000"`

	SpamMaxMessages     int           `env:"TOKENHALL_SPAM_MAX_MESSAGES" envDefault:"5"`
	SpamWindow          time.Duration `env:"TOKENHALL_SPAM_WINDOW" envDefault:"10s"`
	SpamCooldown        time.Duration `env:"TOKENHALL_SPAM_COOLDOWN" envDefault:"30s"`
	SpamDuplicateWindow time.Duration `env:"TOKENHALL_SPAM_DUPLICATE_WINDOW" envDefault:"2s"`

	// PageSize is the message page size used when callers pass zero.
	PageSize int `env:"TOKENHALL_PAGE_SIZE" envDefault:"50"`
}

// LoadConfig reads engine settings from TOKENHALL_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, apperrors.Wrap(apperrors.CodeInvalid, "parse engine config", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return apperrors.New(apperrors.CodeInvalid, "TOKENHALL_API_URL is required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.Reconnect <= 0 {
		c.Reconnect = 5 * time.Second
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	return c
}
