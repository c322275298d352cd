// Package config handles loading and validating btmidid configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Applying command-line overrides through Options
//   - Validation of required fields
//
// Security Considerations:
//   - Broker passwords and InfluxDB tokens should come from environment variables
//   - The control socket mode decides which local users can change the volume
//
// Usage:
//
//	cfg, err := config.LoadOptional("configs/config.yaml", config.WithMIDIPorts(ports))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Control.SocketPath)
package config
