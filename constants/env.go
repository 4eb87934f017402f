package constants

const (
	// executor
	EnvExecutorSecret      = "OPR_EXECUTOR_SECRET"
	EnvPort                = "PORT"
	EnvHostname            = "HOSTNAME"
	EnvMaintenanceInterval = "OPR_EXECUTOR_MAINTENANCE_INTERVAL"
	EnvInactiveThreshold   = "OPR_EXECUTOR_INACTIVE_THRESHOLD"

	// kubernetes
	EnvNamespace = "KUBERNETES_NAMESPACE"

	// object store
	EnvS3Endpoint        = "S3_ENDPOINT"
	EnvS3Bucket          = "S3_BUCKET"
	EnvS3Region          = "S3_REGION"
	EnvS3AccessKeyID     = "S3_ACCESS_KEY_ID"
	EnvS3SecretAccessKey = "S3_SECRET_ACCESS_KEY"
	EnvS3Secure          = "S3_SECURE"

	// logging
	EnvLogLevel  = "LOG_LEVEL"
	EnvLogFormat = "LOG_FORMAT"
)
