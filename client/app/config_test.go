// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"os"
	"path/filepath"
	"testing"

	"kevacoin.org/kvaelectrum/client/asset/kva"
	"kevacoin.org/kvaelectrum/dex"
)

func TestResolveConfig(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     Config
		wantNet dex.Network
		wantErr bool
	}{
		{"mainnet", Config{}, dex.Mainnet, false},
		{"testnet", Config{Testnet: true}, dex.Testnet, false},
		{"regtest", Config{Regtest: true, DBType: dbTypeBolt}, dex.Regtest, false},
		{"two networks", Config{Testnet: true, Regtest: true}, 0, true},
		{"negative rate", Config{ServerConfig: ServerConfig{SequentialRate: -1}}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := ResolveConfig(dir, &cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("wantErr = %t, got %v", tt.wantErr, err)
			}
			if tt.wantErr {
				return
			}
			if cfg.Net != tt.wantNet {
				t.Fatalf("wrong network %s", cfg.Net)
			}
			netDir := filepath.Join(dir, tt.wantNet.String())
			if cfg.DBPath != filepath.Join(netDir, "kvawallet."+cfg.DBType) {
				t.Fatalf("wrong database path %s", cfg.DBPath)
			}
			if cfg.LogPath != filepath.Join(netDir, "logs", "kvawallet.log") {
				t.Fatalf("wrong log path %s", cfg.LogPath)
			}
			if cfg.ConnectTries != defaultConnectWait {
				t.Fatalf("connect tries not defaulted")
			}
		})
	}
}

func TestConfigPeer(t *testing.T) {
	var cfg Config
	if p, err := cfg.Peer(); p != nil || err != nil {
		t.Fatalf("unexpected peer %v, %v", p, err)
	}
	cfg.Server = "electrum.example.com:50001:t"
	cfg.Genesis = "abcd"
	sc, err := cfg.Session(dex.Disabled)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Genesis != "abcd" {
		t.Fatalf("genesis not passed to the session")
	}
	if p := sc.PreferredPeer; p.Host != "electrum.example.com" || p.Port != 50001 || p.TLS {
		t.Fatalf("wrong peer %+v", p)
	}
	cfg.Server = "electrum.example.com"
	if _, err := cfg.Session(dex.Disabled); err == nil {
		t.Fatalf("peer without a port accepted")
	}
}

func TestWalletSettings(t *testing.T) {
	path := WalletSettingsPath(t.TempDir(), dex.Testnet, "savings")
	ws := &WalletSettings{
		WalletID: "savings",
		Kind:     kva.KindHDSegwitP2SH,
		XPub:     "ypub123",
		GapLimit: 25,
	}
	if err := SaveWalletSettings(path, ws); err != nil {
		t.Fatal(err)
	}
	got, err := LoadWalletSettings(path)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *ws {
		t.Fatalf("wanted %+v, got %+v", ws, got)
	}

	if _, err := LoadWalletSettings(filepath.Join(t.TempDir(), "missing.conf")); err == nil {
		t.Fatalf("missing file loaded")
	}
	bad := filepath.Join(t.TempDir(), "bad.conf")
	if err := os.WriteFile(bad, []byte("kind=HD\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWalletSettings(bad); err == nil {
		t.Fatalf("unknown kind loaded")
	}
}

func TestAmounts(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1", 1e8, false},
		{"0.00000001", 1, false},
		{"21.5", 2_150_000_000, false},
		{"0", 0, true},
		{"-1", 0, true},
		{"0.000000001", 0, true},
		{"1e20", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: wantErr = %t, got %v", tt.in, tt.wantErr, err)
		}
		if got != tt.want {
			t.Fatalf("%s: got %d, wanted %d", tt.in, got, tt.want)
		}
	}
	if s := FormatAmount(2_150_000_001); s != "21.50000001" {
		t.Fatalf("wrong format %s", s)
	}
	if s := FormatAmount(-5); s != "-0.00000005" {
		t.Fatalf("wrong negative format %s", s)
	}
}

func TestInitLogging(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "kvawallet.log")
	lm, closeFn, err := InitLogging(logPath, "info,SESS=debug", false)
	if err != nil {
		t.Fatal(err)
	}
	log := lm.NewLogger("SESS")
	if log.Level() != dex.LevelDebug {
		t.Fatalf("subsystem level not applied")
	}
	log.Infof("hello")
	closeFn()
	if _, err := os.Stat(filepath.Dir(logPath)); err != nil {
		t.Fatalf("log directory not created: %v", err)
	}
	if _, _, err := InitLogging(logPath, "loud", false); err == nil {
		t.Fatalf("bad level accepted")
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Setenv("KVA_TEST_DIR", filepath.Join(home, "env"))
	base := filepath.Join(home, "mainnet")
	tests := []struct {
		name, path, base, want string
	}{
		{"empty", "", base, ""},
		{"home", "~", "", home},
		{"under home", "~/wallets/a.db", base, filepath.Join(home, "wallets", "a.db")},
		{"env", "$KVA_TEST_DIR/x", "", filepath.Join(home, "env", "x")},
		{"relative to base", "kva.db", base, filepath.Join(base, "kva.db")},
		{"absolute ignores base", filepath.Join(home, "abs.db"), base, filepath.Join(home, "abs.db")},
		{"cleaned", filepath.Join(home, "a", "..", "b"), "", filepath.Join(home, "b")},
	}
	for _, tt := range tests {
		if got := expandPath(tt.path, tt.base); got != tt.want {
			t.Fatalf("%s: got %q, wanted %q", tt.name, got, tt.want)
		}
	}

	cfg := Config{LogConfig: LogConfig{LogPath: "debug.log"}}
	if err := ResolveConfig(home, &cfg); err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, dex.Mainnet.String(), "debug.log"); cfg.LogPath != want {
		t.Fatalf("relative log path resolved to %q, wanted %q", cfg.LogPath, want)
	}
}
