// Package config holds the attachdetach configuration.
//
// Settings come from flags, ATTACHDETACH_* environment variables and an
// optional YAML config file, merged by viper. Attach options are derived
// from the raw command line, where the first parsable --file-mode=/-f=
// value wins.
package config
