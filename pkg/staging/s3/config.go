// Package s3 stages job data to and from AWS S3 and S3-compatible stores.
//
// References have the form s3://bucket/key. A key ending in "/" (or one that
// names no object but is a prefix of others) is treated as a directory.
package s3

// Config configures the S3 stager.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set.
type Config struct {
	// Region is the AWS region. Empty lets the SDK resolve it from the
	// environment or profile, then from instance metadata when
	// UseInstanceRegion is set, and finally defaults to us-east-1 for AWS.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the shared config profile to use.
	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path instead of the host name.
	ForcePathStyle bool

	// UseInstanceRegion asks the EC2 instance metadata service for the region
	// when no other source provides one.
	UseInstanceRegion bool
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
