// Package config loads server configuration from an optional JSON file with
// MQ_* environment variables layered on top.
//
// Example:
//
//	cfg, err := config.Load("/etc/mq.json")
//	if err != nil {
//	    return err
//	}
//	// cfg.Backend picks the storage engine; cfg.HTTPAddr the listen address.
package config
