/*
Package log provides structured logging for Perch built on zerolog.

A single root logger is initialized once at startup; components derive
child loggers carrying identifying fields so every line can be traced
to a component, server or session.

# Level Selection

Init accepts a zerolog level name ("debug", "info", "warn", "error");
unknown or empty values fall back to info. The Debug flag, wired from
the MONITOR_DEBUG environment variable, forces debug level regardless
of the configured name — turning on MONITOR_DEBUG must never be undone
by a stale --log-level flag.

	cfg := config.FromEnv()
	log.Init(log.Config{Level: "info", Debug: cfg.Debug})

# Output

Console formatting is the default and goes to stderr, keeping stdout
free for presenters. JSONOutput switches to raw JSON lines for machine
consumption.

# Child Loggers

	logger := log.WithComponent("discovery")
	logger.Info().Int("port", 41234).Msg("Listener started")

	log.WithServerID(server.ID).Warn().Err(err).Msg("Snapshot failed")
*/
package log
