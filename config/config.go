package config

import "github.com/bakerstreetlabs/awxflow/model"

type ArchiveType string

const ARCHIVE_TYPE_NOOP ArchiveType = "noop"
const ARCHIVE_TYPE_REDIS ArchiveType = "redis"

type Config struct {
	HttpPort     int
	WebhookToken string
	AWX          AWXConfig
	Flow         FlowConfig
	Supervisor   SupervisorConfig
	Archive      ArchiveConfig
}

type AWXConfig struct {
	ApiUrl                 string
	Username               string
	Password               string
	VerifySSL              bool
	TemplatePrefix         string
	FallbackTemplate       string
	RequestTimeoutSeconds  int
	CatalogCacheTTLSeconds int
}

type FlowConfig struct {
	GlobalConcurrency   int
	WorkflowConcurrency int
	SubmitRetries       int
	SubmitRetryDelaySec int
	DefaultAction       model.ActionDef
	Actions             map[string]model.ActionDef
}

// ActionDef resolves the execution policy for an action, filling gaps from
// the default.
func (c FlowConfig) ActionDef(action string) model.ActionDef {
	def := c.DefaultAction
	def.Name = action
	override, ok := c.Actions[action]
	if !ok {
		return def
	}
	if override.MaxAttempts > 0 {
		def.MaxAttempts = override.MaxAttempts
	}
	if override.RetryAfterSeconds > 0 {
		def.RetryAfterSeconds = override.RetryAfterSeconds
	}
	if override.RetryPolicy != "" {
		def.RetryPolicy = override.RetryPolicy
	}
	if override.TimeoutSeconds > 0 {
		def.TimeoutSeconds = override.TimeoutSeconds
	}
	return def
}

type SupervisorConfig struct {
	TickSeconds         int
	WebhookGraceSeconds int
	ReconcileBudget     int
	RetentionMinutes    int
}

type ArchiveConfig struct {
	Impl  ArchiveType
	Redis RedisConfig
}

type RedisConfig struct {
	Addrs     []string
	Namespace string
}

// Default returns the conservative defaults used when no flag or config
// file overrides a value.
func Default() Config {
	return Config{
		HttpPort: 9001,
		AWX: AWXConfig{
			VerifySSL:              true,
			RequestTimeoutSeconds:  30,
			CatalogCacheTTLSeconds: 300,
		},
		Flow: FlowConfig{
			GlobalConcurrency:   8,
			WorkflowConcurrency: 4,
			SubmitRetries:       3,
			SubmitRetryDelaySec: 2,
			DefaultAction: model.ActionDef{
				MaxAttempts:       3,
				RetryAfterSeconds: 30,
				RetryPolicy:       model.RETRY_POLICY_BACKOFF,
				TimeoutSeconds:    1800,
			},
		},
		Supervisor: SupervisorConfig{
			TickSeconds:         15,
			WebhookGraceSeconds: 120,
			ReconcileBudget:     32,
			RetentionMinutes:    60,
		},
		Archive: ArchiveConfig{
			Impl: ARCHIVE_TYPE_NOOP,
		},
	}
}
