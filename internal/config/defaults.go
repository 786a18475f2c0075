package config

// DefaultConfig returns the built-in settings, loaded before any file or environment.
func DefaultConfig() map[string]interface{} {
	return map[string]interface{}{
		"state_dir": "/var/lib/reminderpipe",
		"database": map[string]interface{}{
			"dsn": "",
		},
		"scan": map[string]interface{}{
			"interval_minutes":  5,
			"batch_size":        100,
			"workers":           8,
			"send_timeout":      "30s",
			"max_attempts":      3,
			"stale_claim_after": "15m",
		},
		"digest": map[string]interface{}{
			"day_of_week": 1, // Monday
			"hour_utc":    9,
		},
		"dispatch": map[string]interface{}{
			"mode":              "sync",
			"job_poll_interval": "10s",
		},
		"outbox": map[string]interface{}{
			"poll_interval": "30s",
		},
		"twilio": map[string]interface{}{
			"account_sid": "",
			"auth_token":  "",
			"from_number": "",
		},
		"smtp": map[string]interface{}{
			"host":     "",
			"port":     587,
			"username": "",
			"password": "",
			"from":     "",
		},
		"redis": map[string]interface{}{
			"addr":     "",
			"password": "",
			"db":       0,
		},
		"notice": map[string]interface{}{
			"channel": "app",
		},
		"channels": map[string]interface{}{
			"rate_per_second": 10,
		},
		"log": map[string]interface{}{
			"level": "info",
		},
	}
}
