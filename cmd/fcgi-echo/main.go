package main

import (
	"fmt"
	"os"

	"fcgikit"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func main() {
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	logger.SetLevel(log.DebugLevel)

	rootCmd := &cobra.Command{
		Use:   "fcgi-echo",
		Short: "FastCGI application server that echoes request input",
		Run: func(cmd *cobra.Command, args []string) {
			config, err := LoadConfig(cmd.PersistentFlags(), logger)
			if err != nil {
				logger.Fatalf("could not load configuration: %s", err)
			}
			logger.SetLevel(log.InfoLevel)
			if config.Verbose {
				logger.SetLevel(log.DebugLevel)
			}

			listenFD, err := listen(config)
			if err != nil {
				logger.Fatalf("could not listen: %s", err)
			}

			monitor := fcgikit.NewMonitor(logger)
			server, err := fcgikit.NewServer(listenFD, fcgikit.ServerConfig{
				MaxConnections:           config.MaxConnections,
				MaxRequestsPerConnection: config.MaxRequests,
				BlockingWriteTimeout:     config.WriteTimeout,
			}, logger, monitor)
			if err != nil {
				logger.Fatalf("could not create server interface: %s", err)
			}

			accessLogger := NewAccessLogger(config, logger)
			app := NewEchoApp(server, accessLogger, monitor, config, logger)

			config.LogConfig()
			app.Run()
		},
	}

	DefineParams(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		logger.Fatalf("could not run root command")
	}
}

// listen opens the listening socket: an AF_UNIX socket when a path is
// configured, an AF_INET wildcard socket otherwise.
func listen(config *Config) (int, error) {
	if config.Socket != "" {
		fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, fmt.Errorf("could not create socket: %w", err)
		}
		_ = os.Remove(config.Socket)
		if err := unix.Bind(fd, &unix.SockaddrUnix{Name: config.Socket}); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("could not bind %q: %w", config.Socket, err)
		}
		if err := unix.Listen(fd, 128); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("could not listen on %q: %w", config.Socket, err)
		}
		return fd, nil
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("could not create socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("could not configure socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: config.Port}); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("could not bind port %d: %w", config.Port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("could not listen on port %d: %w", config.Port, err)
	}
	return fd, nil
}
