package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"fcgikit"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// EchoApp drives a server interface and answers every request by echoing
// its stdin, or its environment when stdin is empty.
type EchoApp struct {
	server       *fcgikit.Server
	accessLogger *AccessLogger
	monitor      *fcgikit.Monitor
	config       *Config
	logger       *logrus.Logger

	wg sync.WaitGroup
}

func NewEchoApp(server *fcgikit.Server, accessLogger *AccessLogger, monitor *fcgikit.Monitor, config *Config, logger *logrus.Logger) *EchoApp {
	return &EchoApp{
		server:       server,
		accessLogger: accessLogger,
		monitor:      monitor,
		config:       config,
		logger:       logger,
	}
}

// Run accepts requests until a termination signal arrives, dispatching
// each request to its own worker goroutine.
func (app *EchoApp) Run() {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-done
		app.logger.Info("Server Stopped")
		if err := app.server.Close(); err != nil {
			app.logger.Errorf("could not close interface: %s", err)
		}
	}()

	go app.serveMetrics()

	app.logger.Info("Server Started")
	for {
		requests, err := app.server.AcceptRequests()
		if err != nil {
			if !errors.Is(err, fcgikit.ErrInterfaceClosed) {
				app.logger.Errorf("accept loop failed: %s", err)
			}
			break
		}
		for _, request := range requests {
			app.wg.Add(1)
			go app.serve(request)
		}
	}

	app.wg.Wait()
	app.logger.Info("Server Exited Properly")
}

func (app *EchoApp) serve(request *fcgikit.Request) {
	defer app.wg.Done()
	start := time.Now()

	if request.AbortStatus() {
		// A client-sent abort is advisory and leaves the handle with
		// the application; give the request back to the interface.
		request.Discard()
		return
	}

	body := request.Stdin()
	if len(body) == 0 {
		body = environmentListing(request.Environment())
	}

	ok, err := request.Write(fcgikit.FCGI_STDOUT, body)
	if err != nil {
		app.logger.Errorf("could not write response: %s", err)
		return
	}
	if !ok {
		app.logger.Debugf("request %s: connection lost before completion", request.ID())
		return
	}

	completed, err := request.Complete(0)
	if err != nil {
		app.logger.Errorf("could not complete request: %s", err)
		return
	}
	if completed {
		app.accessLogger.LogRequest(request, 0, len(body), time.Since(start))
	}
}

// environmentListing renders the request environment as name=value lines
// in sorted order.
func environmentListing(env map[string]string) []byte {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []byte
	for _, name := range names {
		out = append(out, fmt.Sprintf("%s=%s\n", name, env[name])...)
	}
	return out
}

func (app *EchoApp) serveMetrics() {
	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.HandlerFor(
		app.monitor.Registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          app.monitor.Registry,
		},
	))
	addr := fmt.Sprintf(":%d", app.config.MetricsPort)
	if err := http.ListenAndServe(addr, router); err != nil {
		app.logger.Infof("metrics listener: %s\n", err)
	}
}
