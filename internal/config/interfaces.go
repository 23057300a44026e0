package config

import "context"

// SecretProvider resolves SSM parameter paths to their values.
type SecretProvider interface {
	// GetParametersBatch returns a map of path -> value for the paths that
	// could be resolved.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
