package config

import (
	"reflect"
	"slices"
)

// Change describes what differs between two configs, split by how the
// running server can apply it. Log level changes take effect immediately;
// persona changes apply to sessions opened after the reload; everything
// else requires a restart.
type Change struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is set when the model, voice, instructions or
	// transcription toggles differ. Live sessions keep the persona they
	// were opened with.
	PersonaChanged bool

	// RestartNeeded lists the config sections whose changes the running
	// server cannot pick up.
	RestartNeeded []string
}

// Empty reports whether the two configs were identical.
func (c Change) Empty() bool {
	return !c.LogLevelChanged && !c.PersonaChanged && len(c.RestartNeeded) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) Change {
	var c Change

	if old.Server.LogLevel != new.Server.LogLevel {
		c.LogLevelChanged = true
		c.NewLogLevel = new.Server.LogLevel
	}

	if personaOf(old) != personaOf(new) {
		c.PersonaChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		c.RestartNeeded = append(c.RestartNeeded, "server")
	}
	if old.Upstream.BaseURL != new.Upstream.BaseURL || old.Upstream.APIKey != new.Upstream.APIKey {
		c.RestartNeeded = append(c.RestartNeeded, "upstream endpoint")
	}
	if !reflect.DeepEqual(old.Tools, new.Tools) {
		c.RestartNeeded = append(c.RestartNeeded, "tools")
	}
	if old.Token != new.Token {
		c.RestartNeeded = append(c.RestartNeeded, "token")
	}
	if old.Archive != new.Archive {
		c.RestartNeeded = append(c.RestartNeeded, "archive")
	}

	return c
}

// persona is the comparable subset of the upstream config that new sessions
// pick up without a restart.
type persona struct {
	model, voice, instructions string
	inTr, outTr                bool
}

func personaOf(cfg *Config) persona {
	return persona{
		model:        cfg.Upstream.Model,
		voice:        cfg.Upstream.Voice,
		instructions: cfg.Upstream.Instructions,
		inTr:         cfg.Upstream.InputTranscription,
		outTr:        cfg.Upstream.OutputTranscription,
	}
}
