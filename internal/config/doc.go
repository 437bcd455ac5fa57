// Package config defines the updater settings and provides helpers to load,
// validate and save them in YAML format.
//
// Values are layered: defaults, then the YAML file, then an optional env file
// (godotenv) and the process environment, which is how CI injects secrets.
package config
