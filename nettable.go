// Package nettable runs a network table daemon: the table server and, if
// configured, its web view.
package nettable

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/UBCSailbot/network-table/config"
	"github.com/UBCSailbot/network-table/server"
	"github.com/UBCSailbot/network-table/web"
)

const shutdownWait = 5 * time.Second

// Main serves until ctx is done or a component fails. ready, if not nil,
// is called with the server and the bound web address (empty when the
// web view is off) once both are accepting.
func Main(ctx context.Context, cfg config.Config, ready func(s *server.Server, webAddr string)) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := server.New(cfg.Server(reg))
	if err != nil {
		return err
	}
	glog.Infof("network table at %s", srv.Addr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })

	var webAddr string
	if cfg.Web != "" {
		ln, err := net.Listen("tcp", cfg.Web)
		if err != nil {
			cancel()
			g.Wait()
			return err
		}
		webAddr = ln.Addr().String()
		glog.Infof("web view at http://%s/", webAddr)
		hs := &http.Server{Handler: web.New(srv, reg), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := hs.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	if ready != nil {
		ready(srv, webAddr)
	}
	return g.Wait()
}
