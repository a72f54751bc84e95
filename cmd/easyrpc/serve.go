package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"easy-rpc/codec"
	"easy-rpc/config"
	"easy-rpc/logging"
	"easy-rpc/metrics"
	"easy-rpc/middleware"
	"easy-rpc/server"
)

const shutdownTimeout = 5 * time.Second

// serveFlags are the settings of one "easyrpc serve" run.
type serveFlags struct {
	addr, model, config, metrics string
	rate                         float64
	burst                        int
	callTimeout                  time.Duration
}

func serve(args []string, stdout, stderr io.Writer) error {
	fs := gnuflag.NewFlagSet("serve", gnuflag.ContinueOnError)
	fs.SetOutput(stderr)
	var f serveFlags
	fs.StringVar(&f.addr, "addr", "127.0.0.1:7070", "listen address")
	fs.StringVar(&f.model, "model", "blocking", "connection model: blocking or event-driven")
	fs.StringVar(&f.config, "config", "", "YAML configuration file")
	fs.StringVar(&f.metrics, "metrics", "", "serve Prometheus metrics on this address")
	fs.Float64Var(&f.rate, "rate", 0, "calls per second answered, 0 for no limit")
	fs.IntVar(&f.burst, "burst", 1, "calls allowed above the rate at once")
	fs.DurationVar(&f.callTimeout, "call-timeout", 0, "answer with a timeout after this long, 0 for none")
	if err := fs.Parse(true, args); err != nil {
		return errors.Trace(err)
	}

	cfg, err := loadConfig(f.config)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, stderr)
	if err != nil {
		return err
	}
	srv, dispatch, err := newServer(f, cfg, log)
	if err != nil {
		return err
	}

	if f.metrics != "" {
		promReg := prometheus.NewRegistry()
		if err := dispatch.Register(promReg); err != nil {
			return errors.Trace(err)
		}
		ml, err := net.Listen("tcp", f.metrics)
		if err != nil {
			return errors.Annotate(err, "listening for metrics")
		}
		hs := &http.Server{Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})}
		go func() { _ = hs.Serve(ml) }()
		defer hs.Close()
		log.WithField("addr", ml.Addr()).Info("serving metrics")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(shutdownTimeout); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}()
	return errors.Trace(srv.ListenAndServe())
}

// newServer builds the Calc server with the middleware f asks for.
func newServer(f serveFlags, cfg config.File, log logrus.FieldLogger) (*server.Server, *metrics.Dispatch, error) {
	m, err := server.ParseModel(f.model)
	if err != nil {
		return nil, nil, err
	}
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, nil, err
	}
	reg, err := server.NewRegistry(&Calc{})
	if err != nil {
		return nil, nil, err
	}

	dispatch := metrics.NewDispatch()
	mws := []middleware.Middleware{middleware.Logging(log), dispatch.Middleware()}
	if f.rate > 0 {
		mws = append(mws, middleware.RateLimit(f.rate, max(f.burst, 1)))
	}
	if f.callTimeout > 0 {
		mws = append(mws, middleware.Timeout(f.callTimeout))
	}
	srv, err := server.New(reg, server.Options{
		Addr:        f.addr,
		Model:       m,
		Codec:       c,
		Socket:      cfg.Server,
		Logger:      log,
		Middlewares: mws,
	})
	if err != nil {
		return nil, nil, err
	}
	return srv, dispatch, nil
}
