package config

const (
	// EnvPrefix is intentionally empty; every field names its variable in full.
	EnvPrefix = ""

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "TRADEPOST_DB_DSN"
	EnvDBHost = "TRADEPOST_DB_HOST"
	EnvDBUser = "TRADEPOST_DB_USER"
	EnvDBName = "TRADEPOST_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
