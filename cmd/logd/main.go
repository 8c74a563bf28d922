// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command logd is the GDP log server: it owns a set of logs on local
// storage and serves append, read, and subscribe traffic to clients
// reached indirectly through a router-side channel connection.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	_ "go.uber.org/automaxprocs"

	"github.com/gdp-project/gdp/internal/build"
	"github.com/gdp-project/gdp/internal/channel"
	"github.com/gdp-project/gdp/internal/config"
	"github.com/gdp-project/gdp/internal/debug"
	"github.com/gdp-project/gdp/internal/httpsvc"
	"github.com/gdp-project/gdp/internal/logobj"
	"github.com/gdp-project/gdp/internal/metrics"
	"github.com/gdp-project/gdp/internal/server"
	"github.com/gdp-project/gdp/internal/storage"
	"github.com/gdp-project/gdp/internal/subscr"
	"github.com/gdp-project/gdp/internal/workgroup"
)

// sysexits(3)-style exit codes named by §6: a clean shutdown is 0, a
// signal-driven one is EX_TEMPFAIL, and an initialization failure is
// EX_SOFTWARE.
const (
	exitClean    = 0
	exitTempfail = 75
	exitSoftware = 70
)

type daemonFlags struct {
	debugSpec  string
	foreground bool
	routerAddr string
	threads    int
	selfName   string
	strictness string
	configFile string
	dataRoot   string
	httpAddr   string
	httpPort   int
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log := logrus.StandardLogger()

	var f daemonFlags
	app := kingpin.New("logd", "GDP log server: hosts logs and answers append/read/subscribe traffic.")
	app.HelpFlag.Short('h')

	serve := app.Command("serve", "Run the log server.").Default()
	serve.Flag("debug", "Debug logging spec; any non-empty value enables debug-level logging.").Short('D').StringVar(&f.debugSpec)
	serve.Flag("foreground", "Foreground mode. logd always stays attached to the controlling terminal and never daemonizes, with or without this flag.").Short('F').BoolVar(&f.foreground)
	serve.Flag("router", "Router address to dial, e.g. ws://127.0.0.1:8007/gdp.").Short('G').Required().StringVar(&f.routerAddr)
	serve.Flag("threads", "Worker thread pool size for command dispatch (0 selects GOMAXPROCS).").Short('n').Default("0").IntVar(&f.threads)
	serve.Flag("name", "This server's self name: 64 hex characters, or any string hashed down to 32 bytes.").Short('N').Required().StringVar(&f.selfName)
	serve.Flag("strictness", "Comma-separated crypto strictness bits: verify,required,pubkey.").Short('s').StringVar(&f.strictness)
	serve.Flag("config", "Path to a swarm.gdp.* name=value configuration file.").StringVar(&f.configFile)
	serve.Flag("data-root", "Override swarm.gdp.data.root / swarm.gdplogd.log.dir.").StringVar(&f.dataRoot)
	serve.Flag("http-addr", "Bind address for the /metrics and /debug endpoints.").Default("127.0.0.1").StringVar(&f.httpAddr)
	serve.Flag("http-port", "Bind port for the /metrics and /debug endpoints.").Default("8088").IntVar(&f.httpPort)

	view := app.Command("view", "Read-only inspection of a running logd's object cache over HTTP.")
	viewAddr := view.Arg("addr", "host:port of the target logd's /debug endpoint.").Required().String()

	cmd, err := app.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSoftware
	}

	if f.debugSpec != "" {
		log.SetLevel(logrus.DebugLevel)
	}
	log.Infof("logd %s", build.String())

	switch cmd {
	case view.FullCommand():
		return runView(log, *viewAddr)
	default:
		return runDaemon(log, f)
	}
}

func runDaemon(log *logrus.Logger, f daemonFlags) int {
	selfName, err := parseSelfName(f.selfName)
	if err != nil {
		log.WithError(err).Error("invalid -N self name")
		return exitSoftware
	}

	store, err := loadConfig(f)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return exitSoftware
	}

	dataRoot := store.String("swarm.gdp.data.root", "/var/swarm/gdp")
	if err := os.MkdirAll(dataRoot, 0o750); err != nil {
		log.WithError(err).WithField("root", dataRoot).Error("failed to create data root")
		return exitSoftware
	}

	lock := flock.New(filepath.Join(dataRoot, ".logd.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		log.WithError(err).Error("failed to acquire data root lock")
		return exitSoftware
	}
	if !locked {
		log.WithField("root", dataRoot).Error("another logd process already holds this data root")
		return exitSoftware
	}
	defer lock.Unlock()

	threads := f.threads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	eng := storage.NewEngine(dataRoot, 0o640)
	cacheCapacity, err := store.Int("swarm.gdplogd.cache.capacity", 4096)
	if err != nil {
		log.WithError(err).Error("failed to parse cache capacity")
		return exitSoftware
	}
	cache, err := logobj.NewCache(cacheCapacity)
	if err != nil {
		log.WithError(err).Error("failed to construct log object cache")
		return exitSoftware
	}

	reclaimInterval, err := store.Duration("swarm.gdp.reclaim.interval")
	if err != nil {
		log.WithError(err).Error("failed to parse reclaim interval")
		return exitSoftware
	}
	reclaimAge, err := store.MaxAge("swarm.gdp.reclaim.age")
	if err != nil {
		log.WithError(err).Error("failed to parse reclaim age")
		return exitSoftware
	}
	subscrTimeout, err := store.Duration("swarm.gdp.subscr.timeout")
	if err != nil {
		log.WithError(err).Error("failed to parse subscription timeout")
		return exitSoftware
	}
	leaseTimeout := subscrTimeout.Duration()
	if leaseTimeout == 0 {
		leaseTimeout = 300 * time.Second
	}
	advertiseInterval, err := store.Duration("swarm.gdplogd.advertise.interval")
	if err != nil {
		log.WithError(err).Error("failed to parse advertise interval")
		return exitSoftware
	}
	allowGaps, err := store.Bool("swarm.gdplogd.sequencing.allowgaps", false)
	if err != nil {
		log.WithError(err).Error("failed to parse sequencing.allowgaps")
		return exitSoftware
	}
	allowDups, err := store.Bool("swarm.gdplogd.sequencing.allowdups", true)
	if err != nil {
		log.WithError(err).Error("failed to parse sequencing.allowdups")
		return exitSoftware
	}

	// srv is built against a nil Channel first: HandleFrame (the
	// channel's RecvFunc) must already exist before channel.Open can
	// dial, and the Chan it returns is assigned onto srv.Channel
	// afterwards since the field is exported for exactly this purpose.
	srv := server.New(cache, eng, nil, selfName, leaseTimeout, allowGaps, allowDups, m, log.WithField("context", "server"))

	sem := semaphore.NewWeighted(int64(threads))
	dispatch := func(src, dst [32]byte, seqno uint32, payload []byte) {
		if err := sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		go func() {
			defer sem.Release(1)
			srv.HandleFrame(src, dst, seqno, payload)
		}()
	}

	var g workgroup.Group

	eventCB := func(flags channel.EventFlag) {
		switch {
		case flags&channel.EventConnected != 0:
			log.WithField("router", f.routerAddr).Info("connected to router")
		case flags&channel.EventError != 0:
			log.WithField("router", f.routerAddr).Warn("router connection dropped with error")
		case flags&channel.EventEOF != 0:
			log.WithField("router", f.routerAddr).Info("router connection closed")
		}
	}
	routerCB := func(src, dst [32]byte, payloadLen int, status error) {
		log.WithError(status).Warn("router reported no route to destination")
	}

	ch, err := channel.Open(f.routerAddr, log.WithField("context", "channel"), dispatch, eventCB, routerCB)
	if err != nil {
		log.WithError(err).WithField("router", f.routerAddr).Error("failed to connect to router")
		return exitSoftware
	}
	srv.Channel = ch

	g.Add("channel", ch.Run)

	if !advertiseInterval.IsDisabled() {
		interval := advertiseInterval.Duration()
		if interval == 0 {
			interval = 30 * time.Second
		}
		g.AddFunc("advertise-flush", func(ctx context.Context) {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := ch.AdvertFlush(ctx, selfName); err != nil {
						log.WithError(err).Warn("failed to flush advertisements")
					}
				}
			}
		})
	}

	g.AddFunc("cache-reclaim", func(ctx context.Context) {
		interval := reclaimInterval.Duration()
		if interval == 0 {
			interval = 60 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				age := reclaimAge.Duration()
				if reclaimAge.IsDisabled() {
					age = 0
				}
				if n := cache.Reclaim(age); n > 0 {
					log.WithField("reclaimed", n).Debug("reclaimed idle log objects")
				}
				m.CacheSize.Set(float64(cache.Len()))
			}
		}
	})

	g.AddFunc("subscr-reclaim", func(ctx context.Context) {
		ticker := time.NewTicker(leaseTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := subscr.ReclaimServerSubs(cache); n > 0 {
					m.SubscriptionExpiry.Add(float64(n))
					m.SubscriptionsLive.Sub(float64(n))
					log.WithField("reclaimed", n).Debug("reclaimed expired subscriptions")
				}
			}
		}
	})

	watcher := &config.Watcher{
		Path: f.configFile,
		Base: config.Defaults(),
		OnReload: func(merged *config.Store) {
			store = merged
		},
		FieldLogger: log.WithField("context", "config"),
	}
	if f.configFile != "" {
		g.Add("config-watch", watcher.Start)
	}

	debugSvc := &debug.Service{
		Service: httpsvc.Service{
			Addr:        f.httpAddr,
			Port:        f.httpPort,
			FieldLogger: log.WithField("context", "http"),
		},
		Cache: cache,
	}
	debugSvc.ServeMux.Handle("/metrics", metrics.Handler(registry))
	debugSvc.ServeMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	g.Add("http", debugSvc.Start)

	g.Add("signal", func(ctx context.Context) error {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGABRT)
		select {
		case sig := <-sigc:
			switch sig {
			case syscall.SIGQUIT, syscall.SIGABRT:
				dumpState(log, cache)
				os.Exit(exitSoftware)
			default:
				log.WithField("signal", sig).Info("shutting down")
				return errors.Errorf("received signal %v", sig)
			}
		case <-ctx.Done():
		}
		return nil
	})

	log.WithFields(logrus.Fields{
		"router":  f.routerAddr,
		"threads": threads,
		"data":    dataRoot,
	}).Info("logd starting")

	if err := g.Run(context.Background()); err != nil {
		log.WithError(err).Warn("logd terminating")
		return exitTempfail
	}
	return exitClean
}

// parseSelfName accepts either 64 hex characters naming the 32 bytes
// directly, or an arbitrary string that is hashed down to 32 bytes so
// operators can pass a memorable identity on the command line.
func parseSelfName(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) == 64 {
		b, err := hex.DecodeString(s)
		if err == nil {
			copy(out[:], b)
			return out, nil
		}
	}
	if s == "" {
		return out, errors.New("self name must not be empty")
	}
	out = sha256.Sum256([]byte(s))
	return out, nil
}

func loadConfig(f daemonFlags) (*config.Store, error) {
	store := config.Defaults()
	if f.configFile != "" {
		fileStore, err := config.Load(f.configFile)
		if err != nil {
			return nil, errors.Wrapf(err, "loading config file %s", f.configFile)
		}
		store, err = store.Merge(fileStore)
		if err != nil {
			return nil, err
		}
	}

	overlay := map[string]string{}
	if f.dataRoot != "" {
		overlay["swarm.gdp.data.root"] = f.dataRoot
		overlay["swarm.gdplogd.log.dir"] = f.dataRoot
	}
	if f.strictness != "" {
		overlay["swarm.gdplogd.crypto.strictness"] = f.strictness
	}
	if len(overlay) == 0 {
		return store, nil
	}
	return store.Merge(config.FromMap(overlay))
}

// runView fetches and prints the /debug/cache snapshot of a running
// logd, the supplemented read-only inspection path that stands in for
// a full gdp-log-view client.
func runView(log *logrus.Logger, addr string) int {
	resp, err := http.Get(fmt.Sprintf("http://%s/debug/cache", addr))
	if err != nil {
		log.WithError(err).WithField("addr", addr).Error("failed to reach logd")
		return exitSoftware
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.WithField("status", resp.Status).Error("logd returned an error")
		return exitSoftware
	}

	var snap []debug.ObjectInfo
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		log.WithError(err).Error("failed to decode cache snapshot")
		return exitSoftware
	}

	fmt.Printf("%-18s %8s %9s %7s %s\n", "NAME", "REFCOUNT", "REQUESTS", "DIRTY", "IDLE")
	for _, obj := range snap {
		fmt.Printf("%-18s %8d %9d %7t %s\n", obj.Name, obj.RefCount, obj.Requests, obj.Dirty, obj.LastUseAgo)
	}
	return exitClean
}

func dumpState(log *logrus.Logger, cache *logobj.Cache) {
	log.WithField("objects", cache.Len()).Warn("dumping state before abort")
	for _, obj := range cache.Snapshot() {
		log.WithFields(logrus.Fields{
			"name":     obj.Name,
			"refcount": obj.RefCount,
			"requests": obj.Requests,
			"idle":     obj.LastUseAgo,
		}).Warn("log object")
	}
}
