package main

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func newTestFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String(ParamSocket, "", "")
	flags.Int(ParamPort, 9000, "")
	flags.String(ParamApp, "fcgi-echo", "")
	flags.Int(ParamMaxConnections, 10, "")
	flags.Int(ParamMaxRequests, 10, "")
	flags.Duration(ParamWriteTimeout, 300*time.Second, "")
	flags.Int(ParamMetricsPort, 8080, "")
	flags.Bool(AccessLog, false, "")
	flags.Bool(ParamVerbose, false, "")
	return flags
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestLoadConfig_Defaults(t *testing.T) {
	flags := newTestFlags()

	config, err := LoadConfig(flags, newTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if config.Port != 9000 {
		t.Errorf("Port = %d, want 9000", config.Port)
	}

	if config.App != "fcgi-echo" {
		t.Errorf("App = %q, want %q", config.App, "fcgi-echo")
	}

	if config.MaxConnections != 10 {
		t.Errorf("MaxConnections = %d, want 10", config.MaxConnections)
	}

	if config.WriteTimeout != 300*time.Second {
		t.Errorf("WriteTimeout = %v, want 5m", config.WriteTimeout)
	}

	if config.AccessLog != false {
		t.Errorf("AccessLog = %v, want false", config.AccessLog)
	}

	if config.Verbose != false {
		t.Errorf("Verbose = %v, want false", config.Verbose)
	}
}

func TestLoadConfig_CustomValues(t *testing.T) {
	flags := newTestFlags()

	_ = flags.Set(ParamSocket, "/run/fcgi-echo.sock")
	_ = flags.Set(ParamMaxConnections, "64")
	_ = flags.Set(ParamMaxRequests, "1")
	_ = flags.Set(ParamWriteTimeout, "1m")
	_ = flags.Set(ParamMetricsPort, "9102")
	_ = flags.Set(AccessLog, "true")
	_ = flags.Set(ParamVerbose, "true")

	config, err := LoadConfig(flags, newTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if config.Socket != "/run/fcgi-echo.sock" {
		t.Errorf("Socket = %q, want %q", config.Socket, "/run/fcgi-echo.sock")
	}

	if config.MaxConnections != 64 {
		t.Errorf("MaxConnections = %d, want 64", config.MaxConnections)
	}

	if config.MaxRequests != 1 {
		t.Errorf("MaxRequests = %d, want 1", config.MaxRequests)
	}

	if config.WriteTimeout != 1*time.Minute {
		t.Errorf("WriteTimeout = %v, want 1m", config.WriteTimeout)
	}

	if config.MetricsPort != 9102 {
		t.Errorf("MetricsPort = %d, want 9102", config.MetricsPort)
	}

	if config.AccessLog != true {
		t.Errorf("AccessLog = %v, want true", config.AccessLog)
	}

	if config.Verbose != true {
		t.Errorf("Verbose = %v, want true", config.Verbose)
	}
}

func TestIgnoreError(t *testing.T) {
	strResult := ignoreError("hello", nil)
	if strResult != "hello" {
		t.Errorf("ignoreError string = %q, want %q", strResult, "hello")
	}

	intResult := ignoreError(42, nil)
	if intResult != 42 {
		t.Errorf("ignoreError int = %d, want 42", intResult)
	}

	boolResult := ignoreError(true, io.EOF)
	if boolResult != true {
		t.Errorf("ignoreError bool = %v, want true", boolResult)
	}
}
