package config

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Notify.WebhookSecret)

	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Kafka.Brokers = append([]string(nil), cfg.Kafka.Brokers...)
	if cfg.Kafka.Topics != nil {
		out.Kafka.Topics = make(map[string]string, len(cfg.Kafka.Topics))
		for k, v := range cfg.Kafka.Topics {
			out.Kafka.Topics[k] = v
		}
	}
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
