// Package config defines the gateway configuration model and how it is
// assembled.
//
// The effective configuration is built in layers: compiled-in defaults,
// an optional YAML file (with ${VAR:-default} substitution), then
// environment variable overrides. The result is validated as a whole and
// every problem is reported at once.
//
//	cfg, err := config.Load("configs/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// A Watcher reloads the file when it changes; a reload that fails
// validation is rejected and the previous configuration stays active.
package config
