// Package config provides centralized configuration management for the
// PhonePilot daemon: the API server, run queue, planner endpoint, device
// channel and trace sinks are all wired from a single JSON document with
// sensible defaults applied relative to the config file location.
package config
