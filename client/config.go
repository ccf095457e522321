// File: client/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection configuration: DSN and URL parsing, libpq environment
// fallbacks, pgpass and connection service files, multi-host lists.

package client

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgpassfile"
	"github.com/jackc/pgservicefile"

	"github.com/momentics/pgaio/api"
	"github.com/momentics/pgaio/control"
)

// Transaction isolation levels accepted by WithIsolation. The value is
// spliced into the implicit BEGIN issued when autocommit is off.
const (
	IsolationDefault         = ""
	IsolationReadUncommitted = "READ UNCOMMITTED"
	IsolationReadCommitted   = "READ COMMITTED"
	IsolationRepeatableRead  = "REPEATABLE READ"
	IsolationSerializable    = "SERIALIZABLE"
)

// Access and deferrable modes for the implicit BEGIN. Empty strings leave
// the server default in place.
const (
	TxReadWrite     = "READ WRITE"
	TxReadOnly      = "READ ONLY"
	TxDeferrable    = "DEFERRABLE"
	TxNotDeferrable = "NOT DEFERRABLE"
)

// HostSpec names one candidate server. Host is a hostname, an IP literal,
// or an absolute path to a Unix socket directory.
type HostSpec struct {
	Host string
	Port uint16
}

// Config holds all parameters for a connection attempt. Zero values fall
// back to the defaults documented on each field.
type Config struct {
	Hosts          []HostSpec        // tried in order until one succeeds
	User           string            // role name; defaults to the OS user
	Password       string            // empty = consult the passfile
	Database       string            // defaults to User
	ConnectTimeout time.Duration     // per-host budget; 0 = no limit
	RuntimeParams  map[string]string // sent verbatim in the startup packet
	SSLMode        string            // disable, allow or prefer
	PassfilePath   string            // ~/.pgpass unless overridden

	Autocommit       bool   // false = implicit BEGIN outside transactions
	Isolation        string // isolation level for the implicit BEGIN
	AccessMode       string // TxReadWrite or TxReadOnly; "" = server default
	DeferrableMode   string // TxDeferrable or TxNotDeferrable; "" = server default
	NotifyQueueLimit int    // 0 = unbounded notification queue

	Logger  api.Logger
	Metrics *control.MetricsRegistry
}

// Option mutates a Config. Options are applied last and therefore win over
// DSN keywords and environment variables.
type Option func(*Config)

// WithLogger routes server notices and internal diagnostics to l.
func WithLogger(l api.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithMetrics attaches a metrics registry to the connection.
func WithMetrics(m *control.MetricsRegistry) Option { return func(c *Config) { c.Metrics = m } }

// WithConnectTimeout bounds each per-host connection attempt.
func WithConnectTimeout(d time.Duration) Option { return func(c *Config) { c.ConnectTimeout = d } }

// WithRuntimeParam adds a startup-packet parameter such as application_name.
func WithRuntimeParam(key, value string) Option {
	return func(c *Config) {
		if c.RuntimeParams == nil {
			c.RuntimeParams = make(map[string]string)
		}
		c.RuntimeParams[key] = value
	}
}

// WithAutocommit toggles the implicit BEGIN issued before commands that
// start outside a transaction.
func WithAutocommit(on bool) Option { return func(c *Config) { c.Autocommit = on } }

// WithIsolation sets the isolation level used by the implicit BEGIN.
func WithIsolation(level string) Option { return func(c *Config) { c.Isolation = level } }

// WithAccessMode sets TxReadOnly or TxReadWrite on the implicit BEGIN.
func WithAccessMode(mode string) Option { return func(c *Config) { c.AccessMode = mode } }

// WithDeferrable sets TxDeferrable or TxNotDeferrable on the implicit BEGIN.
func WithDeferrable(mode string) Option { return func(c *Config) { c.DeferrableMode = mode } }

// WithNotifyQueueLimit caps the notification queue; the oldest entry is
// dropped when a new one arrives at the cap. Zero means unbounded.
func WithNotifyQueueLimit(n int) Option { return func(c *Config) { c.NotifyQueueLimit = n } }

// DefaultConfig returns the configuration libpq would use with an empty
// conninfo string and no environment set.
func DefaultConfig() *Config {
	u := defaultUser()
	return &Config{
		Hosts:         []HostSpec{{Host: defaultHost(), Port: 5432}},
		User:          u,
		Database:      u,
		SSLMode:       "prefer",
		Autocommit:    true,
		RuntimeParams: map[string]string{},
		PassfilePath:  defaultPassfile(),
	}
}

// ParseConfig builds a Config from a DSN. Both keyword=value strings and
// postgres:// URLs are accepted; an empty dsn uses environment variables
// and defaults alone. Precedence, highest first: opts, dsn, environment,
// service file, built-in defaults.
func ParseConfig(dsn string, opts ...Option) (*Config, error) {
	var settings map[string]string
	var err error
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		settings, err = parseURL(dsn)
	} else {
		settings, err = parseKeywords(dsn)
	}
	if err != nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, err.Error())
	}

	mergeEnv(settings)
	if err := mergeServiceFile(settings); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := applySettings(cfg, settings); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applySettings folds a flat keyword map into cfg. Unrecognized keywords
// become runtime parameters, matching libpq's treatment of options such
// as application_name or search_path.
func applySettings(cfg *Config, settings map[string]string) error {
	hosts := cfg.Hosts[0].Host
	ports := "5432"
	if v, ok := settings["host"]; ok {
		hosts = v
	}
	if v, ok := settings["port"]; ok {
		ports = v
	}
	specs, err := splitHostPorts(hosts, ports)
	if err != nil {
		return err
	}
	cfg.Hosts = specs

	for key, value := range settings {
		switch key {
		case "host", "port", "service":
			// consumed above
		case "user":
			cfg.User = value
		case "password":
			cfg.Password = value
		case "dbname", "database":
			// resolved below
		case "sslmode":
			cfg.SSLMode = value
		case "passfile":
			cfg.PassfilePath = value
		case "connect_timeout":
			secs, err := strconv.Atoi(value)
			if err != nil {
				return api.NewError(api.ErrCodeInvalidArgument, "connect_timeout: "+err.Error())
			}
			cfg.ConnectTimeout = connectTimeout(secs)
		default:
			cfg.RuntimeParams[key] = value
		}
	}

	// The database name resolves after the loop: map iteration order must
	// not pick between the dbname and database spellings. dbname is the
	// libpq keyword and wins; with neither present the database follows
	// the user.
	if db, ok := settings["dbname"]; ok {
		cfg.Database = db
	} else if db, ok := settings["database"]; ok {
		cfg.Database = db
	} else if u, ok := settings["user"]; ok {
		cfg.Database = u
	}
	return nil
}

func validate(cfg *Config) error {
	if len(cfg.Hosts) == 0 {
		return api.NewError(api.ErrCodeInvalidArgument, "no hosts configured")
	}
	switch cfg.SSLMode {
	case "", "disable", "allow", "prefer":
	case "require", "verify-ca", "verify-full":
		return fmt.Errorf("%w: sslmode %q needs TLS", api.ErrNotSupported, cfg.SSLMode)
	default:
		return api.NewError(api.ErrCodeInvalidArgument, "unknown sslmode "+strconv.Quote(cfg.SSLMode))
	}
	switch cfg.Isolation {
	case IsolationDefault, IsolationReadUncommitted, IsolationReadCommitted,
		IsolationRepeatableRead, IsolationSerializable:
	default:
		return api.NewError(api.ErrCodeInvalidArgument, "unknown isolation level "+strconv.Quote(cfg.Isolation))
	}
	switch cfg.AccessMode {
	case "", TxReadWrite, TxReadOnly:
	default:
		return api.NewError(api.ErrCodeInvalidArgument, "unknown access mode "+strconv.Quote(cfg.AccessMode))
	}
	switch cfg.DeferrableMode {
	case "", TxDeferrable, TxNotDeferrable:
	default:
		return api.NewError(api.ErrCodeInvalidArgument, "unknown deferrable mode "+strconv.Quote(cfg.DeferrableMode))
	}
	return nil
}

// connectTimeout converts libpq's connect_timeout seconds. Values below
// zero disable the limit and 1 is promoted to 2, as libpq has always done.
func connectTimeout(secs int) time.Duration {
	switch {
	case secs <= 0:
		return 0
	case secs == 1:
		return 2 * time.Second
	default:
		return time.Duration(secs) * time.Second
	}
}

// splitHostPorts pairs comma-separated host and port lists. The port list
// must carry one entry, or exactly as many as there are hosts.
func splitHostPorts(hosts, ports string) ([]HostSpec, error) {
	hostList := strings.Split(hosts, ",")
	portList := strings.Split(ports, ",")
	if len(portList) != 1 && len(portList) != len(hostList) {
		return nil, api.NewError(api.ErrCodeInvalidArgument,
			fmt.Sprintf("got %d ports for %d hosts", len(portList), len(hostList)))
	}
	specs := make([]HostSpec, len(hostList))
	for i, h := range hostList {
		p := portList[0]
		if len(portList) > 1 {
			p = portList[i]
		}
		port, err := parsePort(p)
		if err != nil {
			return nil, err
		}
		if h == "" {
			h = defaultHost()
		}
		specs[i] = HostSpec{Host: h, Port: port}
	}
	return specs, nil
}

func parsePort(s string) (uint16, error) {
	if s == "" {
		return 5432, nil
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, api.NewError(api.ErrCodeInvalidArgument, "invalid port "+strconv.Quote(s))
	}
	return uint16(n), nil
}

// mergeEnv fills unset keywords from the standard PG* variables.
func mergeEnv(settings map[string]string) {
	envPairs := [...][2]string{
		{"host", "PGHOST"},
		{"port", "PGPORT"},
		{"user", "PGUSER"},
		{"password", "PGPASSWORD"},
		{"dbname", "PGDATABASE"},
		{"application_name", "PGAPPNAME"},
		{"connect_timeout", "PGCONNECT_TIMEOUT"},
		{"sslmode", "PGSSLMODE"},
		{"passfile", "PGPASSFILE"},
		{"service", "PGSERVICE"},
		{"client_encoding", "PGCLIENTENCODING"},
	}
	for _, pair := range envPairs {
		if _, ok := settings[pair[0]]; ok {
			continue
		}
		if v := os.Getenv(pair[1]); v != "" {
			settings[pair[0]] = v
		}
	}
}

// mergeServiceFile resolves the service keyword against the connection
// service file, filling only keywords the DSN and environment left unset.
func mergeServiceFile(settings map[string]string) error {
	name, ok := settings["service"]
	if !ok || name == "" {
		return nil
	}
	path := os.Getenv("PGSERVICEFILE")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".pg_service.conf")
	}
	sf, err := pgservicefile.ReadServicefile(path)
	if err != nil {
		return api.NewError(api.ErrCodeInvalidArgument,
			fmt.Sprintf("service file %s: %v", path, err))
	}
	svc, err := sf.GetService(name)
	if err != nil {
		return api.NewError(api.ErrCodeInvalidArgument,
			fmt.Sprintf("service %q: %v", name, err))
	}
	for key, value := range svc.Settings {
		if _, ok := settings[key]; !ok {
			settings[key] = value
		}
	}
	return nil
}

// passwordFor resolves the password for one host attempt, consulting the
// passfile when the configuration carries no explicit password. Unreadable
// or missing passfiles are ignored, as libpq ignores them.
func passwordFor(cfg *Config, spec HostSpec) string {
	if cfg.Password != "" {
		return cfg.Password
	}
	if cfg.PassfilePath == "" {
		return ""
	}
	pf, err := pgpassfile.ReadPassfile(cfg.PassfilePath)
	if err != nil {
		return ""
	}
	host := spec.Host
	if strings.HasPrefix(host, "/") {
		host = "localhost"
	}
	return pf.FindPassword(host, strconv.Itoa(int(spec.Port)), cfg.Database, cfg.User)
}

// parseKeywords parses libpq keyword=value conninfo syntax, including
// single-quoted values and backslash escapes.
func parseKeywords(s string) (map[string]string, error) {
	settings := make(map[string]string)
	i := 0
	for i < len(s) {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			break
		}
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			return nil, fmt.Errorf("missing '=' after %q", s[i:])
		}
		key := strings.TrimRight(s[i:i+eq], " \t")
		if key == "" {
			return nil, fmt.Errorf("empty keyword at offset %d", i)
		}
		i += eq + 1
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		var value strings.Builder
		if i < len(s) && s[i] == '\'' {
			i++
			closed := false
			for i < len(s) {
				switch s[i] {
				case '\\':
					i++
					if i >= len(s) {
						return nil, fmt.Errorf("dangling backslash in value of %q", key)
					}
					value.WriteByte(s[i])
					i++
				case '\'':
					i++
					closed = true
				default:
					value.WriteByte(s[i])
					i++
				}
				if closed {
					break
				}
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted value for %q", key)
			}
		} else {
			for i < len(s) && !isSpace(s[i]) {
				if s[i] == '\\' {
					i++
					if i >= len(s) {
						return nil, fmt.Errorf("dangling backslash in value of %q", key)
					}
				}
				value.WriteByte(s[i])
				i++
			}
		}
		settings[key] = value.String()
	}
	return settings, nil
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

// parseURL flattens a postgres:// URL into the same keyword map the
// conninfo parser produces. Comma-separated host:port pairs are kept as
// aligned host and port lists.
func parseURL(dsn string) (map[string]string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	settings := make(map[string]string)

	if u.User != nil {
		settings["user"] = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			settings["password"] = pw
		}
	}

	var hosts, ports []string
	for _, entry := range strings.Split(u.Host, ",") {
		if entry == "" {
			continue
		}
		if host, port, err := net.SplitHostPort(entry); err == nil {
			hosts = append(hosts, host)
			ports = append(ports, port)
		} else {
			hosts = append(hosts, strings.Trim(entry, "[]"))
			ports = append(ports, "")
		}
	}
	if len(hosts) > 0 {
		settings["host"] = strings.Join(hosts, ",")
		if strings.Join(ports, "") != "" {
			for i, p := range ports {
				if p == "" {
					ports[i] = "5432"
				}
			}
			settings["port"] = strings.Join(ports, ",")
		}
	}

	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		settings["dbname"] = db
	}
	for key, values := range u.Query() {
		settings[key] = values[len(values)-1]
	}
	return settings, nil
}

func defaultUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "postgres"
}

// defaultHost prefers a conventional Unix socket directory when a server
// socket is present there, mirroring a stock libpq build on this platform.
func defaultHost() string {
	for _, dir := range []string{"/run/postgresql", "/var/run/postgresql", "/tmp"} {
		if _, err := os.Stat(filepath.Join(dir, ".s.PGSQL.5432")); err == nil {
			return dir
		}
	}
	return "localhost"
}

func defaultPassfile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pgpass")
}
