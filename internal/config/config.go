package config

import "github.com/kelseyhightower/envconfig"

type APIConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// pgx pool tuning; durations use Go syntax ("30m", "1h")
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// Messaging provider (WhatsApp-gateway style REST API)
	ProviderBaseURL string `envconfig:"PROVIDER_BASE_URL" required:"true"`
	ProviderAPIKey  string `envconfig:"PROVIDER_API_KEY" required:"true"`

	// Session rails
	QRCodeTTLSeconds  int     `envconfig:"QR_CODE_TTL_SECONDS" default:"60"`
	ProviderRPSPerPod float64 `envconfig:"PROVIDER_RPS_PER_POD" default:"5"`
	ProviderBurst     int     `envconfig:"PROVIDER_BURST" default:"10"`

	// Campaign / scheduler rails
	CampaignDelayMs          int `envconfig:"CAMPAIGN_DELAY_MS" default:"3000"`
	CampaignMaxRetries       int `envconfig:"CAMPAIGN_MAX_RETRIES" default:"3"`
	SchedulerIntervalSeconds int `envconfig:"SCHEDULER_INTERVAL_SECONDS" default:"30"`

	// AWS / SQS (inbound event consumption; the api process hosts the
	// session registry, so it is also the consumer)
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	WorkerConcurrency  int    `envconfig:"WORKER_CONCURRENCY" default:"20"`
}

type WebhookConfig struct {
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Shared secret for provider callback signatures (HMAC-SHA256 over the raw body)
	WebhookSecret string `envconfig:"WEBHOOK_SECRET" required:"true"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
