package providers

import (
	"fmt"
	"os"
	"strings"
)

type credentialSource struct {
	value  string
	source string
}

// resolveAPIKey prefers the key set in config and falls back to the
// vendor's conventional environment variables in order.
func resolveAPIKey(configured, field string, envVars ...string) (credentialSource, error) {
	if key := strings.TrimSpace(configured); key != "" {
		return credentialSource{value: key, source: field}, nil
	}
	for _, name := range envVars {
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			return credentialSource{value: key, source: "env:" + name}, nil
		}
	}
	if len(envVars) == 0 {
		return credentialSource{}, fmt.Errorf("%s is required", field)
	}
	return credentialSource{}, fmt.Errorf("%s is required (or set %s)", field, strings.Join(envVars, " / "))
}
