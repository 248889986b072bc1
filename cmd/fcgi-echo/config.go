package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	ParamSocket         = "socket"
	ParamPort           = "port"
	ParamApp            = "app"
	ParamMaxConnections = "max-connections"
	ParamMaxRequests    = "max-requests"
	ParamWriteTimeout   = "write-timeout"
	ParamMetricsPort    = "metrics-port"
	AccessLog           = "access-log"
	ParamVerbose        = "verbose"
)

type Config struct {
	Socket         string        // path to the AF_UNIX listening socket
	Port           int           // TCP listening port, used when no socket path is given
	App            string        // application name
	MaxConnections int           // connection limit of the interface
	MaxRequests    int           // request limit per connection
	WriteTimeout   time.Duration // blocking-write timeout towards web servers
	MetricsPort    int           // port of the Prometheus metrics endpoint
	AccessLog      bool          // enable access logging
	Verbose        bool          // print debug output

	logger *log.Logger
}

func DefineParams(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP(ParamSocket, "s", "", "Path to the AF_UNIX socket to listen on")
	cmd.PersistentFlags().IntP(ParamPort, "p", 9000, "TCP port to listen on when no socket path is given")
	cmd.PersistentFlags().String(ParamApp, "fcgi-echo", "Application name")
	cmd.PersistentFlags().Int(ParamMaxConnections, 10, "Maximum simultaneous web server connections")
	cmd.PersistentFlags().Int(ParamMaxRequests, 10, "Maximum simultaneous requests per connection")
	cmd.PersistentFlags().Duration(ParamWriteTimeout, 300*time.Second, "Blocking-write timeout towards web servers")
	cmd.PersistentFlags().Int(ParamMetricsPort, 8080, "Prometheus metrics port")
	cmd.PersistentFlags().Bool(AccessLog, false, "Enable access logging")
	cmd.PersistentFlags().BoolP(ParamVerbose, "v", false, "Print debug output")
}

func LoadConfig(set *pflag.FlagSet, logger *log.Logger) (*Config, error) {
	timeout, err := set.GetDuration(ParamWriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("could not load %q: %s", ParamWriteTimeout, err)
	}

	return &Config{
		Socket:         ignoreError(set.GetString(ParamSocket)),
		Port:           ignoreError(set.GetInt(ParamPort)),
		App:            ignoreError(set.GetString(ParamApp)),
		MaxConnections: ignoreError(set.GetInt(ParamMaxConnections)),
		MaxRequests:    ignoreError(set.GetInt(ParamMaxRequests)),
		WriteTimeout:   timeout,
		MetricsPort:    ignoreError(set.GetInt(ParamMetricsPort)),
		AccessLog:      ignoreError(set.GetBool(AccessLog)),
		Verbose:        ignoreError(set.GetBool(ParamVerbose)),

		logger: logger,
	}, nil
}

func (c *Config) LogConfig() {
	c.logger.Infof("[CONFIG] Socket: %s", c.Socket)
	c.logger.Infof("[CONFIG] Port: %d", c.Port)
	c.logger.Infof("[CONFIG] App: %s", c.App)
	c.logger.Infof("[CONFIG] Max connections: %d", c.MaxConnections)
	c.logger.Infof("[CONFIG] Max requests per connection: %d", c.MaxRequests)
	c.logger.Infof("[CONFIG] Write timeout: %s", c.WriteTimeout)
	c.logger.Infof("[CONFIG] Metrics port: %d", c.MetricsPort)
	c.logger.Infof("[CONFIG] Access logging: %t", c.AccessLog)
	c.logger.Infof("[CONFIG] Verbose: %t", c.Verbose)
}

func ignoreError[K string | bool | int | []string](value K, _ error) K {
	return value
}
