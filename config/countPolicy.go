package config

import (
	"os"
	"strconv"
	"strings"
)

// Reconciliation policy knobs. These are deployment configuration, not constants:
// operations teams tune them per tenant environment.
//
// Env:
// - COUNT_RECOUNT_ROUND_LIMIT   extra counting rounds after the initial disagreement (default 2)
// - COUNT_SUBMIT_RETRY_LIMIT    transparent retries on an optimistic-write conflict (default 3)

const (
	defaultRecountRoundLimit = 2
	defaultSubmitRetryLimit  = 3
)

func RecountRoundLimit() int {
	return positiveIntFromEnv("COUNT_RECOUNT_ROUND_LIMIT", defaultRecountRoundLimit)
}

func SubmitRetryLimit() int {
	return positiveIntFromEnv("COUNT_SUBMIT_RETRY_LIMIT", defaultSubmitRetryLimit)
}

func positiveIntFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
