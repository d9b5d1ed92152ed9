package sandbox

import (
	"os"
	"strings"
)

// sensitiveEnvSuffixes are variable-name suffixes never exposed to executed
// commands, even when an operator lists them in the allowlist by mistake.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// FilterEnviron builds the environment visible to executed actions. Only
// explicitly allow-listed variables are passed through; there is no ambient
// inheritance of the caller's environment.
func FilterEnviron(allowlist []string) []string {
	var env []string
	for _, name := range allowlist {
		if isSensitiveEnvVar(name) {
			continue
		}
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return env
}
