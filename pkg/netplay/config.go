package netplay

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Config contains the configuration for a netplay session. The env struct
// tag contains the environment variable name and the default value if
// missing, or empty (if not ?=).
type Config struct {
	// The rendezvous server's hostname.
	Server string `env:"NETPLAY_SERVER"`

	// A short identifier for the game, reported to the rendezvous server so
	// it only matches clients running the same game.
	GameID string `env:"NETPLAY_GAME_ID?=default"`

	// The number of players expected in this session, including self.
	NumPlayers int `env:"NETPLAY_NUM_PLAYERS?=2"`

	// Artificial lag to inject into the steady-state input broadcast, in
	// milliseconds. 0 disables the delay queue.
	FakeLagMS int `env:"NETPLAY_FAKELAG?=0"`

	// Whether every peer address should be overwritten with the rendezvous
	// server's datagram address, so it relays traffic instead of the peers
	// talking directly.
	RelayThroughServer bool `env:"NETPLAY_RELAY_THROUGH_SERVER"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"NETPLAY_LOG_LEVEL=info"`
}

// UnmarshalEnv parses es (as from os.Environ) into c, using the env tags on
// Config's fields. Only NETPLAY_-prefixed variables are considered.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "NETPLAY_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		key, val, _ := strings.Cut(env, "=")
		optional := strings.HasSuffix(key, "?")
		key = strings.TrimSuffix(key, "?")
		if v, exists := em[key]; exists && (v != "" || optional) {
			val = v
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	return nil
}
