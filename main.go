package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/omalloc/injector/conf"
	"github.com/omalloc/injector/contrib/config"
	"github.com/omalloc/injector/contrib/config/provider/file"
	"github.com/omalloc/injector/contrib/log"
	"github.com/omalloc/injector/contrib/transport"
	"github.com/omalloc/injector/internal/bittorrent"
	"github.com/omalloc/injector/internal/cachestore"
	"github.com/omalloc/injector/internal/target"
	"github.com/omalloc/injector/server"
)

var (
	// flagConf is the config file path (-c, default config.yaml in the
	// working directory, matching the teacher's single-file convention);
	// --repo does not change it.
	flagConf string = "config.yaml"
	flagVerbose bool

	// Version is set at build time via -ldflags.
	Version string = "no-set"
	GitHash string = "no-set"
)

func init() {
	flag.StringVar(&flagConf, "c", "config.yaml", "config file path")
	flag.BoolVar(&flagVerbose, "v", false, "enable verbose log")
	bindInjectorFlags()

	log.SetLogger(log.With(log.DefaultLogger, "ts", log.Timestamp(time.RFC3339), "pid", os.Getpid()))

	prometheus.Unregister(collectors.NewGoCollector())
	registerer := prometheus.WrapRegistererWithPrefix("injector_", prometheus.DefaultRegisterer)
	registerer.MustRegister(collectors.NewGoCollector(collectors.WithGoCollectorMemStatsMetricsDisabled()))
}

// injectorFlags mirrors spec.md §6's CLI table; each overrides the
// matching conf.Injector field only when explicitly passed (zero value
// means "use whatever config.yaml set").
var injectorFlags struct {
	repo                      string
	listenOnTCP               string
	listenOnI2P               bool
	credentials               string
	openFileLimit             uint64
	maxCachedAge              time.Duration
	enableHTTPConnectRequests bool
	defaultDB                 string
	disableCache              bool
	bittorrentPublicKey       string
}

func bindInjectorFlags() {
	flag.StringVar(&injectorFlags.repo, "repo", "", "state directory: pid file, cache database")
	flag.StringVar(&injectorFlags.listenOnTCP, "listen-on-tcp", "", "TCP listen address, host:port")
	flag.BoolVar(&injectorFlags.listenOnI2P, "listen-on-i2p", false, "also listen on an I2P overlay endpoint")
	flag.StringVar(&injectorFlags.credentials, "injector-credentials", "", "user:password for Proxy-Authorization")
	flag.Uint64Var(&injectorFlags.openFileLimit, "open-file-limit", 0, "raise RLIMIT_NOFILE to this value")
	flag.DurationVar(&injectorFlags.maxCachedAge, "max-cached-age", 0, "reject stored entries older than this")
	flag.BoolVar(&injectorFlags.enableHTTPConnectRequests, "enable-http-connect-requests", false, "allow CONNECT tunneling")
	flag.StringVar(&injectorFlags.defaultDB, "default-db", "", "cache backend: btree or bep44")
	flag.BoolVar(&injectorFlags.disableCache, "disable-cache", false, "run as a pure forward proxy, no injection")
	flag.StringVar(&injectorFlags.bittorrentPublicKey, "bittorrent-public-key", "", "hex Ed25519 public key for BEP-44 announcements")
}

// applyInjectorFlags overlays CLI flags atop whatever config.yaml loaded,
// flag wins when explicitly set.
func applyInjectorFlags(bc *conf.Bootstrap) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "repo":
			bc.Injector.Repo = injectorFlags.repo
		case "listen-on-tcp":
			bc.Injector.ListenOnTCP = injectorFlags.listenOnTCP
			bc.Server.Addr = injectorFlags.listenOnTCP
		case "listen-on-i2p":
			bc.Injector.ListenOnI2P = injectorFlags.listenOnI2P
		case "injector-credentials":
			bc.Injector.Credentials = injectorFlags.credentials
		case "open-file-limit":
			bc.Injector.OpenFileLimit = injectorFlags.openFileLimit
		case "max-cached-age":
			bc.Injector.MaxCachedAge = injectorFlags.maxCachedAge
		case "enable-http-connect-requests":
			bc.Injector.EnableHTTPConnectRequests = injectorFlags.enableHTTPConnectRequests
		case "default-db":
			bc.Injector.DefaultDB = injectorFlags.defaultDB
		case "disable-cache":
			bc.Injector.DisableCache = injectorFlags.disableCache
		case "bittorrent-public-key":
			bc.Injector.BittorrentPublicKey = injectorFlags.bittorrentPublicKey
		}
	})
}

func main() {
	flag.Parse()

	c := config.New[conf.Bootstrap](config.WithSource(file.NewSource(flagConf)))
	defer c.Close()

	bc := &conf.Bootstrap{Injector: &conf.Injector{}, Server: &conf.Server{}}
	if err := c.Scan(bc); err != nil {
		log.Warnf("failed to load %s, proceeding on flags/defaults only: %v", flagConf, err)
	}
	applyInjectorFlags(bc)

	if flagVerbose {
		log.SetLevel(log.LevelDebug)
	}

	if err := run(bc); err != nil {
		log.Fatal(err)
	}
}

func run(bc *conf.Bootstrap) error {
	if bc.Injector.OpenFileLimit > 0 {
		raiseOpenFileLimit(bc.Injector.OpenFileLimit)
	}

	if bc.Injector.Repo != "" {
		if err := os.MkdirAll(bc.Injector.Repo, 0o755); err != nil {
			return err
		}
		if bc.PidFile == "" {
			bc.PidFile = bc.Injector.Repo + "/pid"
		}
	}

	announceIdentity(bc)

	stopTimeout := 30 * time.Second

	flip, err := tableflip.New(tableflip.Options{
		PIDFile:        bc.PidFile,
		UpgradeTimeout: stopTimeout,
	})
	if err != nil {
		return err
	}
	defer flip.Stop()

	if !flip.HasParent() && strings.HasSuffix(bc.Server.Addr, ".sock") {
		_ = os.Remove(bc.Server.Addr)
	}

	dbPath := bc.Injector.Repo
	if dbPath == "" {
		dbPath = "."
	}
	store, err := cachestore.Open(dbPath + "/cache.db")
	if err != nil {
		return err
	}
	defer store.Close()

	resolver := target.New()
	srv := server.NewServer(flip, bc, resolver, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start(ctx)
	}()

	go func() {
		if err := flip.Ready(); err != nil {
			log.Errorf("tableflip ready failed: %v", err)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigc:
			if sig == syscall.SIGHUP {
				flip.Upgrade()
				continue
			}
			// A second SIGINT/SIGTERM during the drain exits at once.
			go func() {
				for sig := range sigc {
					if sig != syscall.SIGHUP {
						os.Exit(1)
					}
				}
			}()
			return shutdown(ctx, srv, bc, stopTimeout, cancel)
		case <-flip.Exit():
			return shutdown(ctx, srv, bc, stopTimeout, cancel)
		case err := <-errc:
			cancel()
			return err
		}
	}
}

func shutdown(ctx context.Context, srv transport.Server, bc *conf.Bootstrap, timeout time.Duration, cancel context.CancelFunc) error {
	stopCtx, stopCancel := context.WithTimeout(ctx, timeout)
	defer stopCancel()

	err := srv.Stop(stopCtx)
	cancel()
	server.RemovePIDFile(bc.PidFile)
	return err
}

// raiseOpenFileLimit sets RLIMIT_NOFILE to n, clamped to the kernel's hard
// ceiling (spec.md §6's --open-file-limit).
func raiseOpenFileLimit(n uint64) {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		log.Warnf("getrlimit failed: %v", err)
		return
	}
	want := n
	if rlimit.Max > 0 && want > rlimit.Max {
		want = rlimit.Max
	}
	rlimit.Cur = want
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		log.Warnf("setrlimit(RLIMIT_NOFILE, %d) failed: %v", want, err)
		return
	}
	log.Infof("raised RLIMIT_NOFILE to %d", want)
}

// announceIdentity derives and logs this process's BEP-42 Mainline-DHT
// node id from its best-guess public-facing address, for operators
// correlating injector instances against DHT traces. Nothing in this tree
// publishes to an actual DHT swarm (see DESIGN.md); this is diagnostic.
func announceIdentity(bc *conf.Bootstrap) {
	addr := publicIP(bc.Injector.ListenOnTCP)
	if addr == nil {
		return
	}
	id, err := bittorrent.Generate(addr)
	if err != nil {
		log.Warnf("failed to derive bittorrent node id: %v", err)
		return
	}
	log.Infof("bittorrent node id for %s: %s", addr, id)
}

func publicIP(listenAddr string) net.IP {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		conn, err := net.Dial("udp", "8.8.8.8:80")
		if err != nil {
			return nil
		}
		defer conn.Close()
		return conn.LocalAddr().(*net.UDPAddr).IP
	}
	return net.ParseIP(host)
}
