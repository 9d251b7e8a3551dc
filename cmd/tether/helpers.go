package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	tether "github.com/tetherlabs/tether-go"
)

// daemonURL resolves the daemon URL from flag or config.
func daemonURL() (string, error) {
	if flagURL != "" {
		return flagURL, nil
	}
	settings, err := openSettings()
	if err != nil {
		return "", err
	}
	if url := settings.Get(keyDaemonURL); url != "" {
		return url, nil
	}
	return "", fmt.Errorf("no daemon URL configured; pass --url or run 'tether config set daemon.url <url>'")
}

// newClient creates a tether client from flags and config.
func newClient() (*tether.Client, error) {
	url, err := daemonURL()
	if err != nil {
		return nil, err
	}

	level := zerolog.WarnLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	} else if settings, err := openSettings(); err == nil {
		if lvl := settings.Get(keyLogLevel); lvl != "" {
			if parsed, err := zerolog.ParseLevel(lvl); err == nil {
				level = parsed
			}
		}
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	return tether.NewClient(url, tether.WithLogger(log)), nil
}
