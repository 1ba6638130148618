package config

import (
	"os"
	"regexp"
)

// envVarPattern matches ${VAR} or ${VAR:default}
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// SubstituteEnvVars replaces ${VAR} or ${VAR:default} with environment variable values.
func SubstituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		value := os.Getenv(varName)
		if value == "" {
			return defaultValue
		}
		return value
	})
}

// SubstituteEnvVarsInConfig recursively substitutes ${VAR}/${VAR:default}
// tokens in every string field a config file is likely to carry them in.
// Runs after the file is merged and before PROMPT_DOCK_* overrides, so a
// file value like `hub_url: ${HUB_URL:https://hub.local}` still yields to an
// explicit PROMPT_DOCK_HUB.
func SubstituteEnvVarsInConfig(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.DataDir = SubstituteEnvVars(cfg.DataDir)

	cfg.HTTP.HubURL = SubstituteEnvVars(cfg.HTTP.HubURL)
	for i, origin := range cfg.HTTP.AllowedOrigins {
		cfg.HTTP.AllowedOrigins[i] = SubstituteEnvVars(origin)
	}

	cfg.Agent.DefaultKind = SubstituteEnvVars(cfg.Agent.DefaultKind)

	cfg.Logging.Level = SubstituteEnvVars(cfg.Logging.Level)
	cfg.Logging.Output = SubstituteEnvVars(cfg.Logging.Output)

	cfg.Metrics.Path = SubstituteEnvVars(cfg.Metrics.Path)

	cfg.Postgres.DSN = SubstituteEnvVars(cfg.Postgres.DSN)
}
