package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".cmdgate/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"cmdgate/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

type DBEnv struct {
	SQLitePath string `envconfig:"SQLITE_PATH" default:".cmdgate/cmdgate.db"`
}

type ApprovalEnv struct {
	// TTL is how long a pending approval stays actionable.
	TTL time.Duration `envconfig:"APPROVAL_TTL" default:"5m"`
	// SweepInterval controls the background expiry sweeper.
	SweepInterval time.Duration `envconfig:"APPROVAL_SWEEP_INTERVAL" default:"1m"`
	// UnmatchedPolicy decides commands that match no rule: "deny" or "approval".
	UnmatchedPolicy string `envconfig:"UNMATCHED_POLICY" default:"deny"`
}

type RuleEnv struct {
	// RefreshInterval bounds snapshot staleness when file watching misses events.
	RefreshInterval time.Duration `envconfig:"RULE_REFRESH_INTERVAL" default:"30s"`
	SeedBlocklist   bool          `envconfig:"SEED_BLOCKLIST" default:"true"`
}

type ExecutorEnv struct {
	Enabled bool          `envconfig:"EXECUTOR_ENABLED" default:"false"`
	Timeout time.Duration `envconfig:"EXECUTOR_TIMEOUT" default:"30s"`
}

type PushEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDSubscriber string `envconfig:"VAPID_SUBSCRIBER" default:"mailto:ops@example.com"`
}

type Env struct {
	BaseEnv
	StorageEnv
	DBEnv
	ApprovalEnv
	RuleEnv
	ExecutorEnv
	PushEnv
}

const namespace = "CMDGATE"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	if env.UnmatchedPolicy != "deny" && env.UnmatchedPolicy != "approval" {
		return nil, fmt.Errorf("invalid unmatched policy %q (want deny or approval)", env.UnmatchedPolicy)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}
