package config

// EnvPrefix is applied by envconfig when resolving unprefixed struct fields.
const EnvPrefix = "MTAANI"

const (
	AppEnvDev  = "development"
	AppEnvProd = "production"
)

// Canonical environment variable names, shared with tests and deploy tooling.
const (
	EnvAppEnv   = "MTAANI_APP_ENV"
	EnvPort     = "MTAANI_APP_PORT"
	EnvDBDSN    = "MTAANI_DB_DSN"
	EnvDBHost   = "MTAANI_DB_HOST"
	EnvDBUser   = "MTAANI_DB_USER"
	EnvDBName   = "MTAANI_DB_NAME"
	EnvRedisURL = "MTAANI_REDIS_URL"

	EnvMpesaConsumerKey    = "MTAANI_MPESA_CONSUMER_KEY"
	EnvMpesaConsumerSecret = "MTAANI_MPESA_CONSUMER_SECRET"
	EnvMpesaShortcode      = "MTAANI_MPESA_SHORTCODE"
	EnvMpesaPasskey        = "MTAANI_MPESA_PASSKEY"
	EnvMpesaCallbackURL    = "MTAANI_MPESA_CALLBACK_URL"

	EnvGCPProjectID          = "MTAANI_GCP_PROJECT_ID"
	EnvPubSubDomainTopic     = "MTAANI_PUBSUB_DOMAIN_TOPIC"
	EnvPubSubDomainSub       = "MTAANI_PUBSUB_DOMAIN_SUBSCRIPTION"
	EnvMailFromAddress       = "MTAANI_MAIL_FROM_ADDRESS"
	EnvOutboxPublishBatchSz  = "MTAANI_OUTBOX_PUBLISH_BATCH_SIZE"
	EnvOutboxPublishPollMS   = "MTAANI_OUTBOX_PUBLISH_POLL_MS"
	EnvOutboxMaxAttempts     = "MTAANI_OUTBOX_MAX_ATTEMPTS"
	EnvEventingIdempotencyTL = "MTAANI_EVENTING_IDEMPOTENCY_TTL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
