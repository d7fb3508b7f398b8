// Package config provides configuration management for Floodgate.
//
// This package loads, validates and watches the YAML configuration that
// declares the protected resources, their limits, the counter backend and
// the telemetry stack.
//
// # Configuration Loading
//
// Configuration can be loaded in two ways:
//
//  1. From a YAML file only:
//     cfg, err := config.LoadConfig("floodgate.yaml")
//
//  2. From a YAML file with environment variable overrides:
//     cfg, err := config.LoadConfigWithEnvOverrides("floodgate.yaml")
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention FLOODGATE_SECTION_FIELD.
// For example:
//
//   - FLOODGATE_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - FLOODGATE_STORAGE_BACKEND overrides storage.backend
//   - FLOODGATE_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// Resources and limits can only be declared in the file.
//
// # Configuration Precedence
//
//  1. Default values (defined in defaults.go)
//  2. Values from YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast if invalid)
//
// # Hot Reload
//
// When watch.enabled is true, Watcher reloads the file on change and passes
// the new configuration to a callback. Invalid files are logged and ignored.
//
// # Example Configuration
//
//	server:
//	  listen_address: "127.0.0.1:8080"
//
//	limits:
//	  failure_policy: fail_closed
//	  resources:
//	    - name: search
//	      limits:
//	        - name: perUser
//	          capacity: 100
//	          duration: 1h
//	          property: user
//	        - name: perIp
//	          capacity: 1000
//	          duration: 1h
//	          property: ip
//
//	storage:
//	  backend: sqlite
//	  sqlite:
//	    path: data/floodgate.db
//	  cleanup:
//	    schedule: "*/5 * * * *"
//
//	telemetry:
//	  logging:
//	    level: info
//	    format: json
package config
