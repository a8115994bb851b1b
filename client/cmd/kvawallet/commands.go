// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/term"
	"kevacoin.org/kvaelectrum/client/app"
	"kevacoin.org/kvaelectrum/client/asset/kva"
	dexkva "kevacoin.org/kvaelectrum/dex/networks/kva"
)

// mnemonicEntropyBits gives a 12 word mnemonic.
const mnemonicEntropyBits = 128

type cmdEnv struct {
	engine *kva.Engine
	wallet *kva.Wallet
}

type command struct {
	name        string
	usage       string
	minArgs     int
	maxArgs     int // -1 for no limit
	needsWallet bool
	run         func(ctx context.Context, env *cmdEnv, args []string) error
	// offline commands need neither a server nor a wallet.
	offline func(args []string) error
}

var commands = map[string]*command{}

func register(cmds ...*command) {
	for _, cmd := range cmds {
		commands[cmd.name] = cmd
	}
}

func init() {
	register(
		&command{name: "newmnemonic", usage: "", offline: newMnemonic},
		&command{name: "balance", usage: "", needsWallet: true, run: balance},
		&command{name: "address", usage: "", needsWallet: true, run: address},
		&command{name: "history", usage: "", needsWallet: true, run: history},
		&command{name: "utxos", usage: "", needsWallet: true, run: utxos},
		&command{name: "xpub", usage: "", needsWallet: true, run: xpub},
		&command{name: "fees", usage: "", run: fees},
		&command{name: "send", usage: "<address> <amount|all> [sat/byte]", minArgs: 2, maxArgs: 3, needsWallet: true, run: send},
		&command{name: "namespaces", usage: "", needsWallet: true, run: namespaces},
		&command{name: "createns", usage: "<display name> [sat/byte]", minArgs: 1, maxArgs: 2, needsWallet: true, run: createNamespace},
		&command{name: "put", usage: "<namespace> <key> <value> [sat/byte]", minArgs: 3, maxArgs: 4, needsWallet: true, run: put},
		&command{name: "delete", usage: "<namespace> <key> [sat/byte]", minArgs: 2, maxArgs: 3, needsWallet: true, run: deleteKey},
		&command{name: "nsinfo", usage: "<namespace|short code>", minArgs: 1, maxArgs: 1, run: nsInfo},
		&command{name: "keys", usage: "<namespace|short code>", minArgs: 1, maxArgs: 1, run: keys},
		&command{name: "hashtag", usage: "<tag>", minArgs: 1, maxArgs: 1, run: hashtag},
		&command{name: "shortcode", usage: "<txid> <height>", minArgs: 2, maxArgs: 2, run: shortCode},
	)
}

func promptSecret(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return nil, err
		}
		return []byte(strings.TrimSpace(line)), nil
	}
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// promptSeed reads a BIP39 mnemonic and optional passphrase.
func promptSeed() ([]byte, error) {
	mnemonic, err := promptSecret("Mnemonic: ")
	if err != nil {
		return nil, err
	}
	words := strings.Join(strings.Fields(string(mnemonic)), " ")
	passphrase, err := promptSecret("Passphrase (optional): ")
	if err != nil {
		return nil, err
	}
	seed, err := bip39.NewSeedWithErrorChecking(words, string(passphrase))
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	return seed, nil
}

func newMnemonic([]string) error {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return err
	}
	fmt.Println(mnemonic)
	return nil
}

// feeRate parses an optional fee rate argument. The medium estimate is used
// when it is absent.
func feeRate(ctx context.Context, env *cmdEnv, args []string, i int) (uint64, error) {
	if len(args) > i {
		rate, err := strconv.ParseUint(args[i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid fee rate %q: %w", args[i], err)
		}
		return rate, nil
	}
	return env.engine.EstimateFee(ctx, kva.MediumConfTarget)
}

func balance(_ context.Context, env *cmdEnv, _ []string) error {
	w := env.wallet
	fmt.Printf("confirmed:   %s KVA\n", app.FormatAmount(w.Balance()))
	fmt.Printf("unconfirmed: %s KVA\n", app.FormatAmount(w.UnconfirmedBalance()))
	return nil
}

func address(ctx context.Context, env *cmdEnv, _ []string) error {
	addr, err := env.wallet.GetAddress(ctx)
	if err != nil {
		return err
	}
	fmt.Println(addr)
	return nil
}

func history(_ context.Context, env *cmdEnv, _ []string) error {
	recs, err := env.wallet.GetTransactions()
	if err != nil {
		return err
	}
	for _, r := range recs {
		stamp := time.UnixMilli(r.Received).Format(time.RFC3339)
		line := fmt.Sprintf("%s %s %8d %s", stamp, r.TxID, r.Height, app.FormatAmount(r.Value))
		if op := r.NamespaceOp; op != nil {
			line += fmt.Sprintf(" %s %s", op.Kind, op.NamespaceID)
		}
		fmt.Println(line)
	}
	return nil
}

func utxos(_ context.Context, env *cmdEnv, _ []string) error {
	for _, u := range env.wallet.GetUtxo() {
		line := fmt.Sprintf("%s %s %s %d", u, u.Address, app.FormatAmount(u.Value), u.Confirmations)
		if u.IsNamespace() {
			line += " " + u.NamespaceID
		}
		fmt.Println(line)
	}
	return nil
}

func xpub(_ context.Context, env *cmdEnv, _ []string) error {
	key, err := env.wallet.XPub()
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func fees(ctx context.Context, env *cmdEnv, _ []string) error {
	est, err := env.engine.EstimateFees(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("fast:   %d sat/byte\nmedium: %d sat/byte\nslow:   %d sat/byte\n", est.Fast, est.Medium, est.Slow)
	return nil
}

func send(ctx context.Context, env *cmdEnv, args []string) error {
	var value int64
	if args[1] != "all" {
		var err error
		if value, err = app.ParseAmount(args[1]); err != nil {
			return err
		}
	}
	rate, err := feeRate(ctx, env, args, 2)
	if err != nil {
		return err
	}
	tx, err := env.wallet.CreateTransaction(ctx, &kva.TxRequest{
		Recipients: []*kva.Recipient{{Address: args[0], Value: value}},
		FeeRate:    rate,
	})
	if err != nil {
		return err
	}
	return broadcast(ctx, env, tx)
}

func broadcast(ctx context.Context, env *cmdEnv, tx *kva.CreatedTx) error {
	if !tx.Signed {
		fmt.Println(tx.PSBT)
		return nil
	}
	txid, err := env.wallet.Broadcast(ctx, tx.Hex)
	if err != nil {
		return err
	}
	fmt.Printf("%s (fee %s KVA)\n", txid, app.FormatAmount(tx.Fee))
	return nil
}

func namespaces(_ context.Context, env *cmdEnv, _ []string) error {
	for _, ns := range env.wallet.Namespaces() {
		fmt.Println(ns)
	}
	return nil
}

func createNamespace(ctx context.Context, env *cmdEnv, args []string) error {
	rate, err := feeRate(ctx, env, args, 1)
	if err != nil {
		return err
	}
	kt, err := env.wallet.CreateNamespace(ctx, args[0], rate)
	if err != nil {
		return err
	}
	fmt.Println(kt.NamespaceID)
	return broadcast(ctx, env, kt.CreatedTx)
}

func put(ctx context.Context, env *cmdEnv, args []string) error {
	rate, err := feeRate(ctx, env, args, 3)
	if err != nil {
		return err
	}
	kt, err := env.wallet.PutKeyValue(ctx, args[0], []byte(args[1]), []byte(args[2]), rate)
	if err != nil {
		return err
	}
	return broadcast(ctx, env, kt.CreatedTx)
}

func deleteKey(ctx context.Context, env *cmdEnv, args []string) error {
	rate, err := feeRate(ctx, env, args, 2)
	if err != nil {
		return err
	}
	kt, err := env.wallet.DeleteKey(ctx, args[0], []byte(args[1]), rate)
	if err != nil {
		return err
	}
	return broadcast(ctx, env, kt.CreatedTx)
}

// resolveNamespace accepts a namespace ID or a short code.
func resolveNamespace(ctx context.Context, env *cmdEnv, s string) (string, error) {
	if _, err := dexkva.DecodeNamespaceID(s); err == nil {
		return s, nil
	}
	if _, _, err := dexkva.ParseShortCode(s); err != nil {
		return "", fmt.Errorf("%q is neither a namespace ID nor a short code", s)
	}
	return env.engine.NamespaceFromShortCode(ctx, s)
}

func nsInfo(ctx context.Context, env *cmdEnv, args []string) error {
	nsID, err := resolveNamespace(ctx, env, args[0])
	if err != nil {
		return err
	}
	info, err := env.engine.NamespaceInfo(ctx, nsID)
	if err != nil {
		return err
	}
	if info == nil {
		return errors.New("namespace not found")
	}
	fmt.Printf("id:     %s\nname:   %s\ntxid:   %s\nheight: %d\n", info.ID, info.DisplayName, info.TxID, info.Height)
	if info.Bio != "" {
		fmt.Printf("bio:    %s\n", info.Bio)
	}
	return nil
}

func printKeyValues(kvs []*kva.KeyValue) {
	for _, kv := range kvs {
		key := kv.DisplayKey()
		if kv.KeyKind != dexkva.KeyPlain {
			key = fmt.Sprintf("[%s %s]", kv.KeyKind, kv.RefTxID)
		}
		fmt.Printf("%s %8d %s %s = %s\n", kv.TxID, kv.Height, kv.Kind, key, kv.DisplayValue())
	}
}

func keys(ctx context.Context, env *cmdEnv, args []string) error {
	nsID, err := resolveNamespace(ctx, env, args[0])
	if err != nil {
		return err
	}
	kvs, _, err := env.engine.KeyValues(ctx, nsID, -1)
	if err != nil {
		return err
	}
	printKeyValues(kvs)
	return nil
}

func hashtag(ctx context.Context, env *cmdEnv, args []string) error {
	kvs, _, err := env.engine.Hashtag(ctx, args[0], -1)
	if err != nil {
		return err
	}
	printKeyValues(kvs)
	return nil
}

func shortCode(ctx context.Context, env *cmdEnv, args []string) error {
	height, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid height %q: %w", args[1], err)
	}
	code, err := env.engine.NamespaceShortCode(ctx, args[0], height)
	if err != nil {
		return err
	}
	fmt.Println(code)
	return nil
}
