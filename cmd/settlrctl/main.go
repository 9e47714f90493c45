// cmd/settlrctl inspects ledger state directly in Redis and helps operate
// the venue commit queue.
//
// Usage:
//
//	settlrctl [--redis addr] balance <address>
//	settlrctl [--redis addr] get <kind> [id]
//	settlrctl [--redis addr] events [--n 20]
//	settlrctl [--redis addr] dlq [--requeue]
//	SETTLR_PRIVATE_KEY=0x<key> settlrctl sign-commit --payment <id> [--chain-id 16602] [--contract 0x..]
//
// get kinds: platform, merchant, payment, receipt, fhe-receipt,
// private-payout, subscription, stats.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/accounting"
	"github.com/0gfoundation/0g-settlr/internal/escrow"
	"github.com/0gfoundation/0g-settlr/internal/ledger"
	"github.com/0gfoundation/0g-settlr/internal/payout"
	"github.com/0gfoundation/0g-settlr/internal/registry"
	"github.com/0gfoundation/0g-settlr/internal/session"
	"github.com/0gfoundation/0g-settlr/internal/venue"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, nil); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// run executes one command. rdb may be injected by tests; otherwise a client
// is dialled from --redis.
func run(ctx context.Context, args []string, out io.Writer, rdb *redis.Client) error {
	fs := flag.NewFlagSet("settlrctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	redisAddr := fs.String("redis", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New("missing command: balance | get | events | dlq | sign-commit")
	}
	cmd, cmdArgs := rest[0], rest[1:]

	if cmd == "sign-commit" {
		return signCommit(cmdArgs, out)
	}

	if rdb == nil {
		rdb = redis.NewClient(&redis.Options{Addr: *redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
		defer rdb.Close() //nolint:errcheck
	}
	store := ledger.NewStore(rdb, zap.NewNop())

	switch cmd {
	case "balance":
		if len(cmdArgs) != 1 || !common.IsHexAddress(cmdArgs[0]) {
			return errors.New("usage: balance <address>")
		}
		bal, err := store.Balance(ctx, common.HexToAddress(cmdArgs[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "balance: %d\n", bal)
		return nil

	case "get":
		return get(ctx, store, cmdArgs, out)

	case "events":
		efs := flag.NewFlagSet("events", flag.ContinueOnError)
		efs.SetOutput(io.Discard)
		n := efs.Int64("n", 20, "number of events")
		if err := efs.Parse(cmdArgs); err != nil {
			return err
		}
		events, err := store.Events(ctx, *n)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Fprintf(out, "%s  %-28s %s %v\n", time.Unix(ev.At, 0).UTC().Format(time.RFC3339), ev.Kind, ev.Slot, ev.Attrs)
		}
		return nil

	case "dlq":
		dfs := flag.NewFlagSet("dlq", flag.ContinueOnError)
		dfs.SetOutput(io.Discard)
		requeue := dfs.Bool("requeue", false, "move every DLQ entry back onto the commit queue")
		if err := dfs.Parse(cmdArgs); err != nil {
			return err
		}
		return dlq(ctx, rdb, *requeue, out)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func get(ctx context.Context, store *ledger.Store, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: get <kind> [id]")
	}
	kind := args[0]
	var slot common.Hash
	if kind == "platform" {
		slot = registry.PlatformSlot()
	} else {
		if len(args) != 2 {
			return fmt.Errorf("usage: get %s <id>", kind)
		}
		id := args[1]
		switch kind {
		case "merchant":
			slot = registry.MerchantSlot(id)
		case "payment":
			slot = escrow.PaymentSlot(id)
		case "receipt":
			slot = session.ReceiptSlot(id)
		case "fhe-receipt":
			slot = accounting.ReceiptSlot(id)
		case "private-payout":
			slot = payout.PayoutSlot(id)
		case "subscription":
			slot = payout.SubscriptionSlot(id)
		case "stats":
			slot = accounting.StatsSlot(id)
		default:
			return fmt.Errorf("unknown kind %q", kind)
		}
	}

	var raw json.RawMessage
	found, err := store.Load(ctx, slot, &raw)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s not found at %s", kind, slot.Hex())
	}
	pretty, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "slot: %s\n%s\n", slot.Hex(), pretty)
	return nil
}

func dlq(ctx context.Context, rdb *redis.Client, requeue bool, out io.Writer) error {
	if !requeue {
		items, err := rdb.LRange(ctx, venue.CommitDLQKey, 0, -1).Result()
		if err != nil {
			return err
		}
		for _, it := range items {
			fmt.Fprintln(out, it)
		}
		fmt.Fprintf(out, "%d dead-lettered commit(s)\n", len(items))
		return nil
	}

	moved := 0
	for {
		err := rdb.LMove(ctx, venue.CommitDLQKey, venue.CommitQueueKey, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return err
		}
		moved++
	}
	fmt.Fprintf(out, "requeued %d commit(s)\n", moved)
	return nil
}

// signCommit prints a signed venue commit for a development venue.
func signCommit(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign-commit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	paymentID := fs.String("payment", "", "payment id")
	chainID := fs.Int64("chain-id", 16602, "chain id")
	contract := fs.String("contract", "", "verifying contract address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *paymentID == "" {
		return errors.New("--payment is required")
	}
	keyHex := strings.TrimPrefix(os.Getenv("SETTLR_PRIVATE_KEY"), "0x")
	if keyHex == "" {
		return errors.New("SETTLR_PRIVATE_KEY not set")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	if *contract != "" && !common.IsHexAddress(*contract) {
		return fmt.Errorf("invalid contract address %q", *contract)
	}

	domain := venue.Domain{ChainID: big.NewInt(*chainID), VerifyingContract: common.HexToAddress(*contract)}
	c := &venue.Commit{
		PaymentID:   *paymentID,
		Account:     session.ReceiptSlot(*paymentID),
		Owner:       crypto.PubkeyToAddress(key.PublicKey),
		CommittedAt: time.Now().Unix(),
	}
	if err := domain.Sign(c, key); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

func envOr(key, dflt string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return dflt
}
