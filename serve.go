package main

import (
	"context"
	"errors"
	golog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/authverdict/authverdict/authres"
	"github.com/authverdict/authverdict/authvar"
	"github.com/authverdict/authverdict/mlog"
	"github.com/authverdict/authverdict/settings"
	"github.com/authverdict/authverdict/verdictdb"
	"github.com/authverdict/authverdict/webapisrv"
)

func cmdServe(c *cmd) {
	c.help = `Start authverdict, serving the HTTP API.

Messages submitted to the API are evaluated with the settings from the
configuration file. Verdicts can be stored in the database in the data
directory. If MetricsListen is configured, Prometheus metrics are served on
that address.

On SIGINT or SIGTERM, authverdict waits up to 3 seconds for pending requests to
finish.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	log := c.log
	conf, errs := settings.ParseConfig(context.Background(), log, configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			log.Errorx("config error", err)
		}
		log.Fatal("loading config", slog.Int("errors", len(errs)))
	}
	if loglevel != "" {
		if level, ok := mlog.Levels[loglevel]; ok {
			conf.Log[""] = level
		}
	}
	mlog.SetConfig(conf.Log)

	log.Print("starting authverdict", slog.String("version", authvar.Version), slog.String("config", configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := serve(ctx, log, conf, func(srvs []*http.Server) {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
		sig := <-sigc
		log.Print("shutting down, waiting max 3s for pending requests", slog.Any("signal", sig))
		cancel()
		shutdown(log, srvs)
	})
	if err != nil {
		log.Fatalx("serve", err)
	}
}

// serve opens the verdict database and starts the HTTP servers. It calls wait
// when all servers are listening, and returns after wait returns and the
// servers are stopped.
func serve(ctx context.Context, log mlog.Log, conf *settings.Config, wait func(srvs []*http.Server)) error {
	db, err := verdictdb.Open(ctx, conf.DataDirPath("verdicts.db"))
	if err != nil {
		return err
	}
	defer func() {
		err := db.Close()
		log.Check(err, "closing verdict database")
	}()

	evaluator := authres.NewEvaluator(conf, conf.Options())
	h, err := webapisrv.NewHandler("/api/", webapisrv.NewAPI(evaluator, db, conf.Static.Hostname), conf.Static.AdminPasswordFile)
	if err != nil {
		return err
	}
	if conf.Static.AdminPasswordFile == "" {
		log.Info("no admin password file configured, api does not require authentication")
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", h)
	srvs := []*http.Server{newServer(log, conf.Static.Listen, mux)}
	if conf.Static.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		srvs = append(srvs, newServer(log, conf.Static.MetricsListen, metricsMux))
	}

	var listeners []net.Listener
	for _, srv := range srvs {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
		// With port 0, the actual address is only known after listening.
		srv.Addr = ln.Addr().String()
	}

	var g errgroup.Group
	for i, srv := range srvs {
		srv, ln := srv, listeners[i]
		log.Print("listening for http", slog.String("addr", ln.Addr().String()))
		g.Go(func() error {
			err := srv.Serve(ln)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	go webapisrv.ManageAuthCache(ctx)
	if conf.Static.VerdictRetention > 0 {
		go removeVerdicts(ctx, log, db, conf.Static.VerdictRetention)
	}

	wait(srvs)
	return g.Wait()
}

func newServer(log mlog.Log, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          golog.New(mlog.ErrWriter(log.WithPkg("net/http"), slog.LevelInfo, "http server error"), "", 0),
	}
}

func shutdown(log mlog.Log, srvs []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, srv := range srvs {
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorx("shutting down http server, closing", err, slog.String("addr", srv.Addr))
			err := srv.Close()
			log.Check(err, "closing http server")
		}
	}
}

// removeVerdicts removes verdicts older than retention, once an hour.
func removeVerdicts(ctx context.Context, log mlog.Log, db *verdictdb.DB, retention time.Duration) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		n, err := db.RemoveBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Errorx("removing old verdicts", err)
		} else if n > 0 {
			log.Info("removed old verdicts", slog.Int("count", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
