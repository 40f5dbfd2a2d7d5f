package testlog

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var once sync.Once

// Start routes the global logger to stderr once per test binary and logs the
// test name. WDI_TEST_LOG=debug turns on verbose output.
func Start(t *testing.T) {
	t.Helper()
	once.Do(func() {
		level := zerolog.WarnLevel
		if lvl, err := zerolog.ParseLevel(os.Getenv("WDI_TEST_LOG")); err == nil && os.Getenv("WDI_TEST_LOG") != "" {
			level = lvl
		}
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			Level(level).
			With().Timestamp().Logger()
	})
	log.Info().Str("test", t.Name()).Msg("start")
}
