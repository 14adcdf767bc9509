package sqlguardctl

import (
	"fmt"
	"strings"
	"time"

	"github.com/sqlguard/sqlguard/internal/config"
)

// OptionsFromEnv fills connection defaults from SQLGUARD_API_URL,
// SQLGUARD_API_KEY, SQLGUARD_CALLER_ID and SQLGUARD_CLI_TIMEOUT. Flags
// still override every value. An unparsable timeout is reported and left
// at the built-in default.
func OptionsFromEnv(lookup config.LookupFunc) (Options, error) {
	get := func(key string) string {
		value, _ := lookup(key)
		return strings.TrimSpace(value)
	}
	opts := Options{
		BaseURL:  get("SQLGUARD_API_URL"),
		APIKey:   get("SQLGUARD_API_KEY"),
		CallerID: get("SQLGUARD_CALLER_ID"),
	}
	raw := get("SQLGUARD_CLI_TIMEOUT")
	if raw == "" {
		return opts, nil
	}
	timeout, err := time.ParseDuration(raw)
	if err != nil || timeout <= 0 {
		return opts, fmt.Errorf("ignoring SQLGUARD_CLI_TIMEOUT %q: want a positive duration", raw)
	}
	opts.Timeout = timeout
	return opts, nil
}
