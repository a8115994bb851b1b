// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"kevacoin.org/kvaelectrum/client/app"
	"kevacoin.org/kvaelectrum/client/asset/kva"
	"kevacoin.org/kvaelectrum/client/asset/kva/electrum"
)

const (
	appVersion      = "0.1.0"
	connectInterval = 500 * time.Millisecond
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configure() (*app.Config, []string, error) {
	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified.
	cfg := app.DefaultConfig
	if _, err := app.ParseCLIConfig(&cfg); err != nil {
		return nil, nil, err
	}
	if cfg.ShowVer {
		return &cfg, nil, nil
	}
	appData, configPath := app.ResolveCLIConfigPaths(&cfg)
	args, err := app.ParseFileConfig(configPath, &cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := app.ResolveConfig(appData, &cfg); err != nil {
		return nil, nil, err
	}
	return &cfg, args, nil
}

func run(ctx context.Context) error {
	cfg, args, err := configure()
	if err != nil {
		return err
	}
	if cfg.ShowVer {
		fmt.Printf("kvawallet version %s\n", appVersion)
		return nil
	}
	if len(args) == 0 {
		return fmt.Errorf("no command specified. Commands:\n%s", commandList())
	}
	cmd, found := commands[args[0]]
	if !found {
		return fmt.Errorf("unknown command %q. Commands:\n%s", args[0], commandList())
	}
	args = args[1:]
	if len(args) < cmd.minArgs || (cmd.maxArgs >= 0 && len(args) > cmd.maxArgs) {
		return fmt.Errorf("usage: kvawallet %s %s", cmd.name, cmd.usage)
	}
	if cmd.offline != nil {
		return cmd.offline(args)
	}

	lm, closeLogs, err := app.InitLogging(cfg.LogPath, cfg.DebugLevel, cfg.LogStdout)
	if err != nil {
		return err
	}
	defer closeLogs()
	log := lm.NewLogger("APP")

	db, err := cfg.OpenDB(lm.NewLogger("DB"))
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	defer db.Close()

	sessCfg, err := cfg.Session(lm.NewLogger("SESS"))
	if err != nil {
		return err
	}
	sess := electrum.NewSession(sessCfg)
	engine, err := kva.NewEngine(cfg.Engine(sess, db, lm.NewLogger("KVA")))
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(runCtx)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	if err := sess.WaitUntilConnected(ctx, cfg.ConnectTries, connectInterval); err != nil {
		return err
	}
	log.Infof("Connected to %s (%s)", sess.Peer(), sess.ServerName())

	env := &cmdEnv{engine: engine}
	if cmd.needsWallet {
		w, err := loadWallet(cfg, engine)
		if err != nil {
			return err
		}
		env.wallet = w
		if err := w.Refresh(ctx); err != nil {
			return fmt.Errorf("error refreshing wallet: %w", err)
		}
	}
	return cmd.run(ctx, env, args)
}

// loadWallet adds the configured wallet to the engine. Settings stored by an
// earlier run are used when the kind is not given. Secrets are prompted for.
func loadWallet(cfg *app.Config, engine *kva.Engine) (*kva.Wallet, error) {
	ws := cfg.WalletSettings
	if ws.WalletID == "" && ws.Kind != 0 {
		ws.WalletID = ws.Kind.String()
	}
	if ws.WalletID == "" {
		return nil, errors.New("specify a wallet with --wallet or --kind")
	}
	settingsPath := app.WalletSettingsPath(cfg.AppData, cfg.Net, ws.WalletID)
	if ws.Kind == 0 {
		stored, err := app.LoadWalletSettings(settingsPath)
		if err != nil {
			return nil, fmt.Errorf("no stored settings for wallet %q, specify --kind: %w", ws.WalletID, err)
		}
		ws = *stored
		if cfg.GapLimit != 0 {
			ws.GapLimit = cfg.GapLimit
		}
	}

	wCfg := &kva.WalletConfig{
		ID:       ws.WalletID,
		Kind:     ws.Kind,
		XPub:     ws.XPub,
		GapLimit: ws.GapLimit,
	}
	switch {
	case ws.XPub != "":
	case ws.Kind.IsHD():
		seed, err := promptSeed()
		if err != nil {
			return nil, err
		}
		wCfg.Seed = seed
	default:
		wif, err := promptSecret("Private key (WIF): ")
		if err != nil {
			return nil, err
		}
		wCfg.WIF = string(wif)
	}

	w, err := engine.AddWallet(wCfg)
	if err != nil {
		return nil, err
	}
	if err := app.SaveWalletSettings(settingsPath, &ws); err != nil {
		return nil, fmt.Errorf("error storing wallet settings: %w", err)
	}
	return w, nil
}

func commandList() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(&sb, "  %-14s %s\n", name, cmd.usage)
	}
	return sb.String()
}
