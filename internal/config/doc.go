// Package config provides configuration types and loading for the backend
// router. Configuration is read from YAML with environment variable
// substitution, validated, and optionally watched for changes.
package config
