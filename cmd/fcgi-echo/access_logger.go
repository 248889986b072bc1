package main

import (
	"time"

	"fcgikit"

	"github.com/sirupsen/logrus"
)

type AccessLogger struct {
	config *Config
	logger *logrus.Logger
}

func NewAccessLogger(config *Config, logger *logrus.Logger) *AccessLogger {
	return &AccessLogger{
		config: config,
		logger: logger,
	}
}

func (accessLogger *AccessLogger) LogRequest(request *fcgikit.Request, appStatus int32, size int, duration time.Duration) {
	if !accessLogger.config.AccessLog {
		return // do not log access logs
	}

	if request == nil {
		accessLogger.logger.Errorf("could not log request because request is nil")
		return
	}

	accessLogger.logger.WithFields(logrus.Fields{
		"request":  request.ID().String(),
		"role":     request.Role(),
		"status":   appStatus,
		"size":     size,
		"duration": duration.Seconds(),
	}).Info("access")
}
