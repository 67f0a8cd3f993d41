package config

import "strings"

// MaskedSecretValue replaces sensitive values in user-facing output.
const MaskedSecretValue = "**********"

var sensitiveKeyParts = []string{"KEY", "TOKEN", "SECRET", "PASSWORD", "PASSWD", "CREDENTIAL", "AUTH"}

// IsSensitiveKey reports whether an environment variable name looks like it
// holds a credential.
func IsSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(upper, part) {
			return true
		}
	}
	return false
}

// MaskSensitiveEnv returns a copy of env with credential values masked.
func MaskSensitiveEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	masked := make(map[string]string, len(env))
	for key, value := range env {
		if IsSensitiveKey(key) && strings.TrimSpace(value) != "" {
			masked[key] = MaskedSecretValue
			continue
		}
		masked[key] = value
	}
	return masked
}

// Redacted returns a copy of c that is safe to log.
func (c Config) Redacted() Config {
	out := c
	out.Stdio.Args = append([]string(nil), c.Stdio.Args...)
	out.Stdio.Env = MaskSensitiveEnv(c.Stdio.Env)
	return out
}
