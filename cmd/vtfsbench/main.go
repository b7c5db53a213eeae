// Command vtfsbench drives the virtio-fs engine against an in-process
// loopback device and checks every byte it reads back.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
	"github.com/tinyrange/vtfs/internal/fuseproto"
	"github.com/tinyrange/vtfs/internal/transport/loopback"
	"github.com/tinyrange/vtfs/internal/virtiofs"
	"github.com/zeebo/blake3"
	"go.uber.org/atomic"
	"golang.org/x/term"
)

type options struct {
	configPath  string
	tag         string
	queues      uint32
	queueSize   uint16
	files       int
	fileSize    int
	chunk       int
	workers     int
	iterations  int
	metricsAddr string
	logLevel    string
	seed        uint64
}

type benchFile struct {
	name   string
	data   []byte
	digest [32]byte
}

type benchmark struct {
	opts  options
	log   *slog.Logger
	fs    *virtiofs.Device
	files []benchFile

	reads   atomic.Uint64
	bytes   atomic.Uint64
	retries atomic.Uint64
}

func parseFlags() (options, error) {
	o := options{
		tag:        "vtfsbench",
		queues:     4,
		queueSize:  64,
		files:      16,
		fileSize:   256 * 1024,
		chunk:      32 * 1024,
		workers:    8,
		iterations: 200,
		logLevel:   "info",
		seed:       1,
	}

	fs := pflag.NewFlagSet("vtfsbench", pflag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "engine config file (YAML)")
	fs.StringVar(&o.tag, "tag", o.tag, "filesystem tag advertised by the device")
	fs.Uint32Var(&o.queues, "queues", o.queues, "request queues offered by the device")
	fs.Uint16Var(&o.queueSize, "queue-size", o.queueSize, "descriptors per ring (power of two)")
	fs.IntVar(&o.files, "files", o.files, "number of files served")
	fs.IntVar(&o.fileSize, "file-size", o.fileSize, "size of each file in bytes")
	fs.IntVar(&o.chunk, "chunk", o.chunk, "READ request size in bytes")
	fs.IntVarP(&o.workers, "workers", "w", o.workers, "concurrent readers")
	fs.IntVarP(&o.iterations, "iterations", "n", o.iterations, "whole-file reads to perform")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.StringVar(&o.logLevel, "log-level", o.logLevel, "debug, info, warn or error")
	fs.Uint64Var(&o.seed, "seed", o.seed, "seed for file contents")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return o, err
	}
	if o.files <= 0 || o.fileSize <= 0 || o.chunk <= 0 || o.workers <= 0 {
		return o, fmt.Errorf("files, file-size, chunk and workers must be positive")
	}
	return o, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

func (b *benchmark) makeFiles(srv *loopback.MemServer) {
	rng := rand.New(rand.NewPCG(b.opts.seed, b.opts.seed^0x9e3779b97f4a7c15))
	for i := 0; i < b.opts.files; i++ {
		data := make([]byte, b.opts.fileSize)
		for j := 0; j+8 <= len(data); j += 8 {
			binary.LittleEndian.PutUint64(data[j:], rng.Uint64())
		}
		f := benchFile{name: fmt.Sprintf("file%03d", i), data: data, digest: blake3.Sum256(data)}
		srv.AddFile(f.name, data)
		b.files = append(b.files, f)
	}
}

// do retries on backpressure until ctx ends.
func (b *benchmark) do(ctx context.Context, req virtiofs.Request) (*virtiofs.Response, error) {
	for {
		resp, err := b.fs.Do(ctx, req)
		if !virtiofs.IsTransient(err) {
			if err == nil {
				err = resp.Err()
			}
			return resp, err
		}
		b.retries.Inc()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Microsecond):
		}
	}
}

func (b *benchmark) lookup(ctx context.Context, name string) (uint64, uint64, error) {
	req := virtiofs.NewRequest(fuseproto.OpLookup, loopback.RootNodeID, append([]byte(name), 0), 128)
	resp, err := b.do(ctx, req)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup %s: %w", name, err)
	}
	if len(resp.Payload) < 128 {
		return 0, 0, fmt.Errorf("lookup %s: short entry (%d bytes)", name, len(resp.Payload))
	}
	attr, err := loopback.DecodeAttr(resp.Payload[40:])
	if err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(resp.Payload[0:8]), attr.Size, nil
}

// readFile reads f end to end and checks its digest.
func (b *benchmark) readFile(ctx context.Context, f *benchFile) error {
	node, size, err := b.lookup(ctx, f.name)
	if err != nil {
		return err
	}

	h := blake3.New()
	for off := uint64(0); off < size; off += uint64(b.opts.chunk) {
		body := make([]byte, 40)
		binary.LittleEndian.PutUint64(body[8:16], off)
		binary.LittleEndian.PutUint32(body[16:20], uint32(b.opts.chunk))
		resp, err := b.do(ctx, virtiofs.NewRequest(fuseproto.OpRead, node, body, b.opts.chunk))
		if err != nil {
			return fmt.Errorf("read %s at %d: %w", f.name, off, err)
		}
		if len(resp.Payload) == 0 {
			return fmt.Errorf("read %s at %d: unexpected EOF", f.name, off)
		}
		h.Write(resp.Payload)
		b.reads.Inc()
		b.bytes.Add(uint64(len(resp.Payload)))
	}

	var got [32]byte
	h.Sum(got[:0])
	if !bytes.Equal(got[:], f.digest[:]) {
		return fmt.Errorf("read %s: digest mismatch", f.name)
	}

	forget := virtiofs.NewRequest(fuseproto.OpForget, node, make([]byte, 8), 0)
	binary.LittleEndian.PutUint64(forget.Payload, 1)
	if _, err := b.do(ctx, forget); err != nil {
		return fmt.Errorf("forget %s: %w", f.name, err)
	}
	return nil
}

func (b *benchmark) workload(ctx context.Context) error {
	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(b.opts.iterations), "reading")
		defer bar.Close()
	}

	work := make(chan int)
	errs := make(chan error, b.opts.workers)
	var wg sync.WaitGroup
	for w := 0; w < b.opts.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				if err := b.readFile(ctx, &b.files[i%len(b.files)]); err != nil {
					errs <- err
					return
				}
				if bar != nil {
					bar.Add(1)
				}
			}
		}()
	}

	start := time.Now()
	var err error
feed:
	for i := 0; i < b.opts.iterations; i++ {
		select {
		case work <- i:
		case err = <-errs:
			break feed
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		}
	}
	close(work)
	wg.Wait()
	if err == nil {
		select {
		case err = <-errs:
		default:
		}
	}

	elapsed := time.Since(start)
	b.log.Info("workload finished",
		"reads", b.reads.Load(),
		"bytes", b.bytes.Load(),
		"retries", b.retries.Load(),
		"elapsed", elapsed,
		"MiB/s", float64(b.bytes.Load())/elapsed.Seconds()/(1<<20))
	return err
}

func (b *benchmark) run() error {
	o, err := parseFlags()
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	b.opts = o

	if b.log, err = newLogger(o.logLevel); err != nil {
		return err
	}

	cfg := virtiofs.DefaultConfig()
	if o.configPath != "" {
		if cfg, err = virtiofs.LoadConfig(o.configPath); err != nil {
			return err
		}
	}

	srv := loopback.NewMemServer()
	b.makeFiles(srv)

	dev, err := loopback.New(loopback.Options{
		Tag:              o.tag,
		NumRequestQueues: o.queues,
		QueueSize:        o.queueSize,
		MemorySize:       64 << 20,
		Handler:          srv,
		Logger:           b.log,
	})
	if err != nil {
		return err
	}
	defer dev.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	b.fs, err = virtiofs.Attach(dev, cfg,
		virtiofs.WithLogger(b.log),
		virtiofs.WithMetrics(virtiofs.NewMetrics(reg)))
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}

	var group run.Group

	// workload
	{
		ctx, cancel := context.WithCancel(context.Background())
		group.Add(func() error {
			return b.workload(ctx)
		}, func(_ error) {
			cancel()
		})
	}

	// metrics server
	if o.metricsAddr != "" {
		lis, err := net.Listen("tcp", o.metricsAddr)
		if err != nil {
			return fmt.Errorf("listen for metrics: %w", err)
		}
		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpSrv := http.Server{Handler: r}

		group.Add(func() error {
			err := httpSrv.Serve(lis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(_ error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				_ = httpSrv.Close()
			}
		})
	}

	// signals
	{
		ctx, cancel := context.WithCancel(context.Background())
		group.Add(func() error {
			ch := make(chan os.Signal, 2)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(ch)

			select {
			case <-ch:
				b.log.Info("received shutdown signal")
			case <-ctx.Done():
			}
			return nil
		}, func(_ error) {
			cancel()
		})
	}

	runErr := group.Run()

	detachCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+time.Second)
	defer cancel()
	report, err := b.fs.Detach(detachCtx)
	if err != nil {
		b.log.Error("detach", "err", err)
	}
	stats := b.fs.Stats()
	b.log.Info("detached",
		"completed", report.Completed,
		"orphaned", report.Orphaned,
		"cancelled", report.Cancelled,
		"protocol_violations", stats.ProtocolViolations)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return err
}

func main() {
	b := benchmark{}

	if err := b.run(); err != nil {
		fmt.Fprintf(os.Stderr, "vtfsbench: %v\n", err)
		os.Exit(1)
	}
}
