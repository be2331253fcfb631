package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jech/swarmcore/hash"
	thttp "github.com/jech/swarmcore/http"
	"github.com/jech/swarmcore/physmem"
	"github.com/jech/swarmcore/storage"
	"github.com/jech/swarmcore/swarm"
)

type seedFlags struct {
	infoHash    string
	pieceLength int
	peers       []string
	port        int
	uploadRate  float64
	proxy       string
	superSeed   bool
	httpAddr    string
	metricsAddr string
	cpuprofile  string
	bufferReads bool
	mem         int64
}

func NewSeedCmd() *cobra.Command {
	var f seedFlags
	cmd := &cobra.Command{
		Use:   "seed FILE",
		Short: "Seed FILE to the swarm identified by --info-hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, args[0], &f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.infoHash, "info-hash", "",
		"info `hash` of the torrent, in hex")
	flags.IntVar(&f.pieceLength, "piece-length", 256*1024,
		"piece `length` in bytes")
	flags.StringArrayVar(&f.peers, "peer", nil,
		"`address` of a peer to connect to (may be repeated)")
	flags.IntVar(&f.port, "port", -1,
		"`port` to listen on (overrides listen_port)")
	flags.Float64Var(&f.uploadRate, "upload-rate", 0,
		"upload `rate` in bytes per second, 0 for unlimited, "+
			"negative for automatic")
	flags.StringVar(&f.proxy, "proxy", "",
		"`URL` of proxy to use for outgoing connections")
	flags.BoolVar(&f.superSeed, "super-seed", false,
		"start in super-seed mode")
	flags.StringVar(&f.httpAddr, "http", "[::1]:8088",
		"web server address, empty to disable")
	flags.StringVar(&f.metricsAddr, "metrics", "",
		"Prometheus metrics `address`, empty to disable")
	flags.StringVar(&f.cpuprofile, "cpuprofile", "",
		"store CPU profile in `file`")
	flags.BoolVar(&f.bufferReads, "buffer-reads", false,
		"read whole pieces into memory")
	flags.Int64Var(&f.mem, "mem", 0,
		"memory devoted to piece buffers in `bytes`, "+
			"default half of physical memory")
	cmd.MarkFlagRequired("info-hash")
	return cmd
}

func runSeed(cmd *cobra.Command, filename string, f *seedFlags) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.ListenPort = f.port
	}
	if flags.Changed("upload-rate") {
		cfg.MaxUploadRate = f.uploadRate
	}
	if flags.Changed("proxy") {
		cfg.Proxy = f.proxy
	}
	if f.superSeed {
		cfg.SuperSeeder = true
	}
	if f.bufferReads {
		cfg.BufferReads = true
	}
	if flags.Changed("mem") {
		cfg.MemoryHighMark = f.mem
	} else if cfg.MemoryHighMark == 0 {
		mem, err := physmem.Total()
		if err != nil {
			level.Info(logger).Log("msg",
				"couldn't determine physical memory", "err", err)
		} else {
			cfg.MemoryHighMark = mem / 2
		}
	}
	err = cfg.Validate()
	if err != nil {
		return err
	}

	infoHash, err := hash.Parse(f.infoHash)
	if err != nil {
		return errors.Wrap(err, "--info-hash")
	}

	if f.cpuprofile != "" {
		pf, err := os.Create(f.cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(pf)
		defer func() {
			pprof.StopCPUProfile()
			pf.Close()
		}()
	}

	st, err := storage.Open(filename, f.pieceLength)
	if err != nil {
		return err
	}
	defer st.Close()

	metrics := swarm.NopMetrics()
	if f.metricsAddr != "" {
		metrics = swarm.PrometheusMetrics(cfg.MetricsNamespace)
	}

	s := swarm.New(swarm.Params{
		Config:   cfg,
		InfoHash: infoHash,
		PeerId:   hash.Random("-SC0100-"),
		Storage:  st,
		Version:  "swarmcore " + version,
		Logger:   logger,
		Metrics:  metrics,
	})

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	l, err := net.Listen("tcp",
		net.JoinHostPort("", strconv.Itoa(cfg.ListenPort)))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(gctx)
	})
	g.Go(func() error {
		return s.Serve(gctx, l)
	})
	if f.httpAddr != "" {
		g.Go(func() error {
			return serve(gctx, f.httpAddr, thttp.NewHandler(s))
		})
	}
	if f.metricsAddr != "" {
		g.Go(func() error {
			return serve(gctx, f.metricsAddr, promhttp.Handler())
		})
	}
	g.Go(func() error {
		for _, p := range f.peers {
			err := addPeer(gctx, s, p)
			if err != nil {
				level.Error(logger).Log("msg", "couldn't add peer",
					"peer", p, "err", err)
			}
		}
		return nil
	})

	level.Info(logger).Log("msg", "seeding", "file", filename,
		"info_hash", infoHash, "port", cfg.ListenPort)
	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		level.Info(logger).Log("msg", "shutting down")
		return nil
	}
	return err
}

func addPeer(ctx context.Context, s *swarm.Swarm, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return errors.Errorf("couldn't parse address %v", host)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return err
	}
	return s.AddPeer(ctx, ip, p)
}

// serve runs an HTTP server until ctx is done.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(),
			2*time.Second)
		defer cancel()
		server.Shutdown(sctx)
	}()
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return ctx.Err()
	}
	return errors.Wrapf(err, "http server on %v", addr)
}
