package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/matst80/tunnelrelay/internal/config"
)

// flags holds command line overrides. A flag only replaces the file value
// when it was given explicitly.
type flags struct {
	configPath     string
	address        string
	token          string
	bindHost       string
	metrics        string
	requestTimeout time.Duration
	debug          bool
	redisAddr      string
	tlsCert        string
	tlsKey         string
	tlsCA          string
}

func (f *flags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&f.address, "address", ":8090", "address for client control and proxy connections")
	fs.StringVar(&f.token, "token", "", "shared secret token; if set clients must provide matching token")
	fs.StringVar(&f.bindHost, "bind-host", "", "interface tunnel ports listen on")
	fs.StringVar(&f.metrics, "metrics", ":9100", "metrics and health listen address (empty disables)")
	fs.DurationVar(&f.requestTimeout, "request-timeout", 10*time.Second, "time limit for a client to open a proxy connection")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logs")
	fs.StringVar(&f.redisAddr, "redis", "", "redis address for shared client state")
	fs.StringVar(&f.tlsCert, "tls-cert", "", "TLS certificate file; enables TLS with --tls-key")
	fs.StringVar(&f.tlsKey, "tls-key", "", "TLS private key file")
	fs.StringVar(&f.tlsCA, "tls-ca", "", "CA file for client certificate verification (enables mTLS)")
}

func (f *flags) load(cmd *cobra.Command) (config.Server, error) {
	cfg, err := config.LoadServer(f.configPath)
	if err != nil {
		return cfg, err
	}
	changed := cmd.Flags().Changed
	if changed("address") {
		cfg.Address = f.address
	}
	if changed("token") {
		cfg.Token = f.token
	}
	if changed("bind-host") {
		cfg.BindHost = f.bindHost
	}
	if changed("metrics") {
		cfg.MetricsAddress = f.metrics
	}
	if changed("request-timeout") {
		cfg.RequestTimeout = f.requestTimeout
	}
	if changed("debug") {
		cfg.Debug = f.debug
	}
	if changed("redis") {
		cfg.Redis.Address = f.redisAddr
	}
	if changed("tls-cert") || changed("tls-key") {
		cfg.TLS.Enabled = true
		cfg.TLS.CertFile, cfg.TLS.KeyFile = f.tlsCert, f.tlsKey
	}
	if changed("tls-ca") {
		cfg.TLS.CAFile = f.tlsCA
	}
	return cfg, cfg.Validate()
}
