package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/open-runtimes/k8s-executor/constants"
)

func Init() error {
	viper.AutomaticEnv()

	setDefaults()

	return requiredEnvVars()
}

// setDefaults sets default values for configuration
func setDefaults() {
	// Server defaults
	viper.SetDefault(constants.EnvPort, constants.DefaultPort)

	// Kubernetes defaults
	viper.SetDefault(constants.EnvNamespace, constants.DefaultNamespace)

	// Object store defaults
	viper.SetDefault(constants.EnvS3Region, constants.DefaultS3Region)
	viper.SetDefault(constants.EnvS3Secure, true)

	// Maintenance defaults
	viper.SetDefault(constants.EnvMaintenanceInterval, constants.DefaultMaintenanceInterval)
	viper.SetDefault(constants.EnvInactiveThreshold, constants.DefaultInactiveThreshold)

	// Logging defaults
	viper.SetDefault(constants.EnvLogLevel, "info")
	viper.SetDefault(constants.EnvLogFormat, "console")
}

func requiredEnvVars() error {
	required := []string{
		constants.EnvExecutorSecret,
		constants.EnvS3Endpoint,
		constants.EnvS3Bucket,
		constants.EnvS3AccessKeyID,
		constants.EnvS3SecretAccessKey,
	}

	for _, key := range required {
		if !viper.IsSet(key) || viper.GetString(key) == "" {
			return fmt.Errorf("required config %q is not set", key)
		}
	}

	return nil
}
