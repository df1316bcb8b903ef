/*
Package config holds the tunables of the Perch aggregation engine.

Configuration comes from MONITOR_* environment variables with an
optional .env file loaded first. Every value has a default and invalid
input silently falls back to it; a misconfigured environment never
prevents startup.

# Environment Variables

	MONITOR_PORT           UDP discovery port          (default 41234)
	MONITOR_TIMEOUT        stale timeout, seconds      (default 120)
	MONITOR_LONG_RUNNING   long-running cutoff, min    (default 10)
	MONITOR_NOTIFICATIONS  "0" disables notifications  (default enabled)
	MONITOR_DEBUG          "1" enables verbose logging (default off)

Intervals that are not externally configurable (refresh interval,
request timeout, backoff schedule, stream attempt budget) still live on
the Config struct so tests can shrink them.

# Usage

	cfg := config.FromEnv()
	coord := monitor.NewCoordinator(cfg)
*/
package config
