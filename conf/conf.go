// Package conf defines the injector's typed configuration root (spec.md
// §6), loaded by contrib/config and overridable by the CLI flags main.go
// parses at startup.
package conf

import (
	"time"

	middlewarev1 "github.com/omalloc/injector/api/defined/v1/middleware"
)

type Bootstrap struct {
	Strict   bool      `json:"strict" yaml:"strict"`
	Hostname string    `json:"hostname" yaml:"hostname"`
	PidFile  string    `json:"pidfile" yaml:"pidfile"`
	Logger   *Logger   `json:"logger" yaml:"logger"`
	Server   *Server   `json:"server" yaml:"server"`
	Injector *Injector `json:"injector" yaml:"injector"`
}

type Logger struct {
	Level      string `json:"level" yaml:"level"`
	Path       string `json:"path" yaml:"path"`
	Caller     bool   `json:"caller" yaml:"caller"`
	TraceID    bool   `json:"traceid" yaml:"traceid"`
	MaxSize    int    `json:"max_size" yaml:"max_size"`
	MaxAge     int    `json:"max_age" yaml:"max_age"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
	NoPid      bool   `json:"nopid" yaml:"nopid"`
}

type Server struct {
	Addr               string                     `json:"addr" yaml:"addr"`
	ReadTimeout        time.Duration              `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout       time.Duration              `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout        time.Duration              `json:"idle_timeout" yaml:"idle_timeout"`
	ReadHeaderTimeout  time.Duration              `json:"read_header_timeout" yaml:"read_header_timeout"`
	MaxHeaderBytes     int                        `json:"max_header_bytes" yaml:"max_header_bytes"`
	Middleware         []*middlewarev1.Middleware `json:"middleware" yaml:"middleware"`
	PProf              *ServerPProf               `json:"pprof" yaml:"pprof"`
	AccessLog          *ServerAccessLog           `json:"access_log" yaml:"access_log"`
	LocalApiAllowHosts []string                   `json:"local_api_allow_hosts" yaml:"local_api_allow_hosts"`
	// FrontEndAddr is read from config but not used: no separate admin
	// listener is opened. The admin endpoints (health, version, metrics,
	// pprof) are served on the main listener to requests whose Host is
	// localhost, 127.0.0.1, 127.1 or listed in LocalApiAllowHosts.
	FrontEndAddr string `json:"front_end_addr" yaml:"front_end_addr"`
}

type ServerPProf struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

type ServerAccessLog struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
	Encrypt struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Secret  string `json:"secret" yaml:"secret"`
	} `json:"encrypt" yaml:"encrypt"`
}

// Injector carries the injector-core options of spec.md §6's CLI table.
type Injector struct {
	// Repo is the state directory (--repo): the pid file (unless PidFile is
	// set) and the cache database (cache.db) live under it. No cache
	// identity or last-bound endpoint files are written there.
	Repo string `json:"repo" yaml:"repo"`
	// ListenOnTCP is the primary acceptor address (--listen-on-tcp).
	ListenOnTCP string `json:"listen_on_tcp" yaml:"listen_on_tcp"`
	// ListenOnI2P additionally exposes the service over an overlay
	// transport (--listen-on-i2p). No I2P transport ships in this tree;
	// the field is parsed but not read anywhere: nothing is bound and no
	// endpoint-i2p file is written.
	ListenOnI2P bool `json:"listen_on_i2p" yaml:"listen_on_i2p"`
	// Credentials holds "<user>:<password>" for Basic auth
	// (--injector-credentials). Empty means auth is disabled (allow-all).
	Credentials string `json:"injector_credentials" yaml:"injector_credentials"`
	// OpenFileLimit raises RLIMIT_NOFILE at startup (--open-file-limit).
	OpenFileLimit uint64 `json:"open_file_limit" yaml:"open_file_limit"`
	// MaxCachedAge bounds stored-entry age regardless of freshness headers
	// (--max-cached-age): -1 unbounded, 0 never-cache-on-read.
	MaxCachedAge time.Duration `json:"max_cached_age" yaml:"max_cached_age"`
	// EnableHTTPConnectRequests allows CONNECT tunneling
	// (--enable-http-connect-requests); otherwise CONNECT is refused 405.
	EnableHTTPConnectRequests bool `json:"enable_http_connect_requests" yaml:"enable_http_connect_requests"`
	// DefaultDB holds the --default-db value ("btree" or "bep44"). It is
	// not consulted: the pebble-backed internal/cachestore is always used,
	// and no bep44 backend exists.
	DefaultDB string `json:"default_db" yaml:"default_db"`
	// DisableCache bypasses C4/C5 entirely, running as a pure proxy
	// (--disable-cache).
	DisableCache bool `json:"disable_cache" yaml:"disable_cache"`
	// BittorrentPublicKey is the hex-encoded Ed25519 public key used for
	// BEP-44 announcements (--bittorrent-public-key).
	BittorrentPublicKey string `json:"bittorrent_public_key" yaml:"bittorrent_public_key"`
	// ConnectTimeout bounds origin dial/fetch operations (C3, C6).
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}
