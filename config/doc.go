// Package config loads the load balancer configuration from a YAML file,
// environment variables and command-line switches, in increasing order of
// precedence, and validates it. It defines the listening port, health check
// timing, strategy selection, admission control, the admin listener and the
// initial backend list.
package config
