// captcha-gate protects a login endpoint with an interactive text challenge
// and an IP-keyed escalating ban engine.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carbocation/interpose"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/captcha-gate/config"
	"github.com/dobrevit/captcha-gate/pkg/api"
	"github.com/dobrevit/captcha-gate/pkg/challenge"
	"github.com/dobrevit/captcha-gate/pkg/escalation"
)

func main() {
	configFile := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	logger := newLogger(cfg.Logging)

	engine, err := escalation.New(cfg.Bans, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create ban escalation engine")
	}
	engine.Start()
	defer engine.Stop()

	gen := challenge.NewGenerator(cfg.Challenge.Length)
	registry := api.NewRegistry(cfg.Session, gen, engine, logger)
	registry.Start()
	defer registry.Stop()

	router := mux.NewRouter()
	handler := api.NewHandler(registry, engine, cfg.Server.TrustProxyHeaders, logger)
	handler.Register(router)

	middle := interpose.New()
	middle.Use(recoveryMiddleware(logger))
	middle.Use(requestLogMiddleware(logger))
	middle.Use(securityHeadersMiddleware())
	middle.UseHandler(router)

	server := &http.Server{
		Addr:         cfg.Server.Bind,
		Handler:      middle,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("bind", cfg.Server.Bind).Info("captcha-gate listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
	}
}

func newLogger(cfg config.LoggingConfig) *log.Logger {
	logger := log.New()

	if level, err := log.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	return logger
}

func recoveryMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.WithFields(log.Fields{
						"path":  r.URL.Path,
						"error": err,
					}).Error("Handler panic")
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(recorder, r)

			logger.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   recorder.status,
				"duration": time.Since(start),
			}).Info("Request completed")
		})
	}
}

func securityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
