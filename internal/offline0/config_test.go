package offline0

import (
	"strings"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg := testConfig(t, "http://origin:3000/", "")
	if cfg.Server.Origin != "http://origin:3000" {
		t.Errorf("origin = %q", cfg.Server.Origin)
	}
	if cfg.Server.Port != 8080 || cfg.Cache.Prefix != "offline0" {
		t.Errorf("port=%d prefix=%q", cfg.Server.Port, cfg.Cache.Prefix)
	}
	if cfg.RAMMax() != 64<<20 || cfg.DiskMax() != 1<<30 {
		t.Errorf("ram=%d disk=%d", cfg.RAMMax(), cfg.DiskMax())
	}
	if cfg.InstallBackoff() != 500*time.Millisecond || cfg.Install.Retry.Attempts != 3 {
		t.Errorf("backoff = %v", cfg.InstallBackoff())
	}
	if cfg.Notification.Badge != cfg.Notification.Icon {
		t.Errorf("badge should default to icon")
	}
	names := cfg.CacheNames()
	if names.Static != "offline0-static-v1" || names.API != "offline0-api-v1" {
		t.Errorf("names = %+v", names)
	}
	if len(cfg.Rules) != 1 || !cfg.Rules[0].Matches("/api/exec/run") {
		t.Errorf("default rules = %+v", cfg.Rules)
	}
}

func TestParseConfigRules(t *testing.T) {
	cfg := testConfig(t, "http://o", `rules:
  - match: PathPrefix(/static)
    priority: 20
  - match: PathPrefix(/api) | PathContains(/exec)
    priority: 10
    policy: network-first
  - match: PathPrefix(/live)
    priority: 5
    policy: bypass
`)
	got := []Policy{cfg.Rules[0].Policy, cfg.Rules[1].Policy, cfg.Rules[2].Policy}
	want := []Policy{PolicyBypass, PolicyNetworkFirst, PolicyCacheFirst}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rules sorted by priority: got %v, want %v", got, want)
		}
	}
	if !cfg.Rules[1].Matches("/x/exec/y") || !cfg.Rules[1].Matches("/api/orders") || cfg.Rules[1].Matches("/static/a.js") {
		t.Error("alternation matcher misbehaves")
	}
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"origin":   "cache:\n  version: v1\n",
		"version":  "server:\n  origin: http://o\n",
		"manifest": "server:\n  origin: http://o\ncache:\n  version: v1\ninstall:\n  manifest: [index.html]\n",
		"policy":   "server:\n  origin: http://o\ncache:\n  version: v1\nrules:\n  - match: PathPrefix(/a)\n    policy: stale-while-revalidate\n",
		"matcher":  "server:\n  origin: http://o\ncache:\n  version: v1\nrules:\n  - match: Host(x)\n",
		"size":     "server:\n  origin: http://o\ncache:\n  version: v1\nstorage:\n  ram:\n    max: lots\n",
	}
	for name, yml := range cases {
		if _, err := ParseConfig([]byte(yml)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseConfigEnvOverride(t *testing.T) {
	t.Setenv("OFFLINE0_ORIGIN", "http://from-env")
	t.Setenv("OFFLINE0_PORT", "9090")
	t.Setenv("OFFLINE0_TELEGRAM_CHAT_ID", "-100")
	cfg, err := ParseConfig([]byte("cache:\n  version: v2\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Server.Origin != "http://from-env" || cfg.Server.Port != 9090 || cfg.Telegram.ChatID != -100 {
		t.Errorf("env not applied: origin=%q port=%d chat=%d", cfg.Server.Origin, cfg.Server.Port, cfg.Telegram.ChatID)
	}
}

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{"512": 512, "64k": 64 << 10, "1.5m": 3 << 19, "2gb": 2 << 30, "0": 0}
	for in, want := range cases {
		got, err := parseBytes(in)
		if err != nil || got != want {
			t.Errorf("parseBytes(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, in := range []string{"", "b", "-1", "ten"} {
		if _, err := parseBytes(in); err == nil {
			t.Errorf("parseBytes(%q) should fail", in)
		}
	}
	if !strings.HasSuffix(formatBytes(2048), "kb") {
		t.Errorf("formatBytes(2048) = %q", formatBytes(2048))
	}
}
