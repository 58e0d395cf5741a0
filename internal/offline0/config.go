package offline0

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage struct {
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Path string `yaml:"path"`
			Max  string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
		// PublicURL is the address windows see in their location bar. Click
		// targets are resolved against it before comparing with window URLs.
		PublicURL string `yaml:"publicURL"`
	} `yaml:"server"`

	Cache struct {
		Prefix  string `yaml:"prefix"`
		Version string `yaml:"version"`
	} `yaml:"cache"`

	Install struct {
		Manifest []string `yaml:"manifest"`
		Retry    struct {
			Attempts int    `yaml:"attempts"`
			Backoff  string `yaml:"backoff"`
		} `yaml:"retry"`

		backoffDur time.Duration
	} `yaml:"install"`

	Offline struct {
		Message string `yaml:"message"`
	} `yaml:"offline"`

	Notification struct {
		DefaultTitle string `yaml:"defaultTitle"`
		DefaultBody  string `yaml:"defaultBody"`
		Icon         string `yaml:"icon"`
		Badge        string `yaml:"badge"`
	} `yaml:"notification"`

	Push struct {
		// PrivateKey is the raw P-256 scalar, base64url. AuthSecret is the
		// 16 byte subscription auth secret, base64url.
		PrivateKey string `yaml:"privateKey"`
		AuthSecret string `yaml:"authSecret"`
	} `yaml:"push"`

	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chatID"`
	} `yaml:"telegram"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules"`

	ramMax  int64
	diskMax int64
}

type Policy string

const (
	PolicyNetworkFirst Policy = "network-first"
	PolicyCacheFirst   Policy = "cache-first"
	PolicyBypass       Policy = "bypass"
)

type Rule struct {
	Match    string `yaml:"match"`
	Priority int    `yaml:"priority"`
	Policy   Policy `yaml:"policy"`

	// compiled
	matchers []pathMatcher
}

type pathMatcher interface {
	Match(path string) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

type pathContainsMatcher struct{ Segment string }

func (m pathContainsMatcher) Match(path string) bool { return strings.Contains(path, m.Segment) }

// DefaultRules routes remote-execution calls network-first. Everything else
// falls through to cache-first.
func DefaultRules() []Rule {
	return []Rule{{
		Match:    "PathContains(/exec)",
		Policy:   PolicyNetworkFirst,
		matchers: []pathMatcher{pathContainsMatcher{Segment: "/exec"}},
	}}
}

// LoadConfig reads the YAML file at path, then applies OFFLINE0_* overrides
// from the environment (and from a .env file in the working directory).
func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Origin, "OFFLINE0_ORIGIN")
	setString(&cfg.Server.PublicURL, "OFFLINE0_PUBLIC_URL")
	setString(&cfg.Cache.Version, "OFFLINE0_CACHE_VERSION")
	setString(&cfg.Logging.Level, "OFFLINE0_LOG_LEVEL")
	setString(&cfg.Push.PrivateKey, "OFFLINE0_PUSH_PRIVATE_KEY")
	setString(&cfg.Push.AuthSecret, "OFFLINE0_PUSH_AUTH_SECRET")
	setString(&cfg.Telegram.Token, "OFFLINE0_TELEGRAM_TOKEN")
	if v, ok := os.LookupEnv("OFFLINE0_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v, ok := os.LookupEnv("OFFLINE0_TELEGRAM_CHAT_ID"); ok {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (cfg *Config) finalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")

	if cfg.Storage.Disk.Path == "" {
		cfg.Storage.Disk.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64m"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "1g"
	}
	var err error
	if cfg.ramMax, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.diskMax, err = parseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "offline0"
	}
	if cfg.Cache.Version == "" {
		return fmt.Errorf("cache.version is required")
	}
	if strings.ContainsAny(cfg.Cache.Prefix+cfg.Cache.Version, "\x00") {
		return fmt.Errorf("cache prefix and version must not contain NUL")
	}

	for i, p := range cfg.Install.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("install.manifest[%d]: %q must start with /", i, p)
		}
	}
	if cfg.Install.Retry.Attempts <= 0 {
		cfg.Install.Retry.Attempts = 3
	}
	if cfg.Install.Retry.Backoff == "" {
		cfg.Install.Retry.Backoff = "500ms"
	}
	if cfg.Install.backoffDur, err = time.ParseDuration(cfg.Install.Retry.Backoff); err != nil {
		return fmt.Errorf("install.retry.backoff: %w", err)
	}

	if cfg.Offline.Message == "" {
		cfg.Offline.Message = "You are offline"
	}
	if cfg.Notification.DefaultTitle == "" {
		cfg.Notification.DefaultTitle = "New order"
	}
	if cfg.Notification.DefaultBody == "" {
		cfg.Notification.DefaultBody = "A new order has arrived"
	}
	if cfg.Notification.Icon == "" {
		cfg.Notification.Icon = "/icons/Icon-192.png"
	}
	if cfg.Notification.Badge == "" {
		cfg.Notification.Badge = cfg.Notification.Icon
	}

	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.Logging.statsEveryDur = d
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		switch r.Policy {
		case PolicyNetworkFirst, PolicyCacheFirst, PolicyBypass:
		case "":
			r.Policy = PolicyCacheFirst
		default:
			return fmt.Errorf("rules[%d].policy: unknown policy %q", i, r.Policy)
		}
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules()
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

// CacheNames returns the live generation names for the configured version.
func (cfg Config) CacheNames() CacheNames {
	return CacheNames{
		Static: cfg.Cache.Prefix + "-static-" + cfg.Cache.Version,
		API:    cfg.Cache.Prefix + "-api-" + cfg.Cache.Version,
	}
}

func (cfg Config) StatsEvery() time.Duration { return cfg.Logging.statsEveryDur }

func parseMatch(expr string) ([]pathMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		open := strings.IndexByte(p, '(')
		if open < 0 || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("expected PathPrefix(...) or PathContains(...), got %q", p)
		}
		fn := p[:open]
		inside := strings.TrimSpace(p[open+1 : len(p)-1])
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid path %q", inside)
		}
		switch fn {
		case "PathPrefix":
			out = append(out, pathPrefixMatcher{Prefix: inside})
		case "PathContains":
			out = append(out, pathContainsMatcher{Segment: inside})
		default:
			return nil, fmt.Errorf("unknown matcher %q", fn)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

func (cfg Config) InstallBackoff() time.Duration { return cfg.Install.backoffDur }

func (cfg Config) RAMMax() int64 { return cfg.ramMax }

func (cfg Config) DiskMax() int64 { return cfg.diskMax }
