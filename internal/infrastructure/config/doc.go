// Package config handles loading and validating the automation service
// configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields (all problems reported together)
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (database DSN, MQTT password, InfluxDB token) should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if cfg.Features.AutomationEngine {
//	    // signals are processed
//	}
package config
