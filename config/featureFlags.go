package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EngineSettings carries the tunables of the invoice engine. Values come from
// env with the defaults below.
type EngineSettings struct {
	LockTTL                  time.Duration
	UndoTTL                  time.Duration
	DuplicateBlockThreshold  float64
	DuplicateWarnThreshold   float64
	ExtractionTimeout        time.Duration
	PoOverrideEnabled        bool
	RequirePartialCodingNote bool
}

func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		LockTTL:                 5 * time.Minute,
		UndoTTL:                 30 * time.Second,
		DuplicateBlockThreshold: 0.95,
		DuplicateWarnThreshold:  0.80,
		ExtractionTimeout:       45 * time.Second,
		PoOverrideEnabled:       true,
	}
}

// LoadEngineSettings reads:
// - LOCK_TTL_SECONDS (300)
// - UNDO_TTL_SECONDS (30)
// - DUPLICATE_BLOCK_THRESHOLD (0.95)
// - DUPLICATE_WARN_THRESHOLD (0.80)
// - EXTRACTION_TIMEOUT_SECONDS (45)
// - PO_OVERRIDE_ENABLED (true)
// - REQUIRE_PARTIAL_CODING_NOTE (false)
func LoadEngineSettings() EngineSettings {
	s := DefaultEngineSettings()
	s.LockTTL = secondsFromEnv("LOCK_TTL_SECONDS", int(s.LockTTL/time.Second))
	s.UndoTTL = secondsFromEnv("UNDO_TTL_SECONDS", int(s.UndoTTL/time.Second))
	s.DuplicateBlockThreshold = floatFromEnv("DUPLICATE_BLOCK_THRESHOLD", s.DuplicateBlockThreshold)
	s.DuplicateWarnThreshold = floatFromEnv("DUPLICATE_WARN_THRESHOLD", s.DuplicateWarnThreshold)
	s.ExtractionTimeout = secondsFromEnv("EXTRACTION_TIMEOUT_SECONDS", int(s.ExtractionTimeout/time.Second))
	s.PoOverrideEnabled = boolFromEnv("PO_OVERRIDE_ENABLED", s.PoOverrideEnabled)
	s.RequirePartialCodingNote = boolFromEnv("REQUIRE_PARTIAL_CODING_NOTE", s.RequirePartialCodingNote)
	return s
}

func boolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}

func intFromEnv(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return n
}

func floatFromEnv(key string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return f
}

func secondsFromEnv(key string, def int) time.Duration {
	return time.Duration(intFromEnv(key, def)) * time.Second
}
