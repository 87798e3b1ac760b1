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
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/core/types"
	gatewaymw "bountyescrow/gateway/middleware"
	"bountyescrow/integrations/exports"
	"bountyescrow/native/bounty"
)

func runFaucet(args []string, out io.Writer) error {
	fs, configPath := newFlagSet("faucet")
	assetFlag := fs.String("asset", "", "asset address")
	toFlag := fs.String("to", "", "recipient address")
	amountFlag := fs.String("amount", "", "amount in base units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	asset, err := parseAddress("asset", *assetFlag)
	if err != nil {
		return err
	}
	to, err := parseAddress("to", *toFlag)
	if err != nil {
		return err
	}
	amount, err := parseAmount(*amountFlag)
	if err != nil {
		return err
	}
	node, err := openNode(*configPath)
	if err != nil {
		return err
	}
	defer node.Close()
	if !node.Guard.IsAccepted(asset) {
		return fmt.Errorf("asset %s is not configured", asset.Hex())
	}
	if err := node.State.Mint(context.Background(), asset, to, amount); err != nil {
		return err
	}
	balance, err := node.State.Balance(asset, to)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s balance of %s: %s\n", asset.Hex(), to.Hex(), balance)
	return nil
}

func runMint(args []string, out io.Writer) error {
	fs, configPath := newFlagSet("mint")
	id := fs.String("id", "", "bounty identifier")
	org := fs.String("org", "", "organization")
	variantFlag := fs.String("variant", "atomic", "atomic, ongoing, tiered-percentage or tiered-fixed")
	issuerFlag := fs.String("issuer", "", "issuer address")
	issuerID := fs.String("issuer-external-id", "", "issuer external id")
	schedule := fs.String("schedule", "", "comma separated tier payouts")
	payoutAsset := fs.String("payout-asset", "", "payout asset for ongoing and tiered-fixed bounties")
	payoutVolume := fs.String("payout-volume", "", "per claim payout of ongoing bounties")
	goalAsset := fs.String("goal-asset", "", "asset of the advisory funding goal")
	goalVolume := fs.String("goal-volume", "", "volume of the advisory funding goal")
	invoice := fs.Bool("invoice", false, "require an invoice before self-service claims")
	kyc := fs.Bool("kyc", false, "require a KYC check before self-service claims")
	docs := fs.Bool("supporting-docs", false, "require supporting documents before self-service claims")
	if err := fs.Parse(args); err != nil {
		return err
	}
	variant, err := bounty.ParseVariant(*variantFlag)
	if err != nil {
		return err
	}
	issuer, err := parseAddress("issuer", *issuerFlag)
	if err != nil {
		return err
	}
	params := bounty.MintParams{
		ID:                          *id,
		Organization:                *org,
		Variant:                     variant,
		IssuerExternalID:            *issuerID,
		InvoiceRequired:             *invoice,
		KycRequired:                 *kyc,
		SupportingDocumentsRequired: *docs,
	}
	if strings.TrimSpace(*schedule) != "" {
		if params.Schedule, err = parseSchedule(*schedule); err != nil {
			return err
		}
	}
	if strings.TrimSpace(*payoutAsset) != "" {
		if params.PayoutAsset, err = parseAddress("payout-asset", *payoutAsset); err != nil {
			return err
		}
	}
	if strings.TrimSpace(*payoutVolume) != "" {
		if params.PayoutVolume, err = parseAmount(*payoutVolume); err != nil {
			return err
		}
	}
	if strings.TrimSpace(*goalAsset) != "" {
		asset, err := parseAddress("goal-asset", *goalAsset)
		if err != nil {
			return err
		}
		volume, err := parseAmount(*goalVolume)
		if err != nil {
			return err
		}
		params.FundingGoal = &bounty.FundingGoal{Asset: asset, Volume: volume}
	}
	node, err := openNode(*configPath)
	if err != nil {
		return err
	}
	defer node.Close()
	minted, err := node.Bounties.MintBounty(context.Background(), node.Caller(issuer), params)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "minted %s (%s) at %s\n", minted.ID, minted.Variant, minted.Address.Hex())
	return nil
}

func runDeposit(args []string, out io.Writer) error {
	fs, configPath := newFlagSet("deposit")
	id := fs.String("bounty", "", "bounty identifier")
	funderFlag := fs.String("funder", "", "funder address")
	assetFlag := fs.String("asset", "", "asset address")
	amountFlag := fs.String("amount", "", "amount in base units")
	lock := fs.Duration("lock", 30*24*time.Hour, "refund lock duration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	funder, err := parseAddress("funder", *funderFlag)
	if err != nil {
		return err
	}
	asset, err := parseAddress("asset", *assetFlag)
	if err != nil {
		return err
	}
	amount, err := parseAmount(*amountFlag)
	if err != nil {
		return err
	}
	node, err := openNode(*configPath)
	if err != nil {
		return err
	}
	defer node.Close()
	deposit, err := node.Bounties.ReceiveFunds(context.Background(), node.Caller(funder), *id, funder, asset, amount, int64(lock.Seconds()))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "deposit %s escrowed %s (refundable at %s)\n",
		deposit.ID.Hex(), deposit.Remaining, time.Unix(deposit.RefundableAt(), 0).UTC().Format(time.RFC3339))
	return nil
}

func runRefund(args []string, out io.Writer) error {
	fs, configPath := newFlagSet("refund")
	id := fs.String("bounty", "", "bounty identifier")
	depositFlag := fs.String("deposit", "", "deposit id")
	funderFlag := fs.String("funder", "", "funder address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	funder, err := parseAddress("funder", *funderFlag)
	if err != nil {
		return err
	}
	raw := strings.TrimSpace(*depositFlag)
	if len(strings.TrimPrefix(raw, "0x")) != 2*common.HashLength {
		return fmt.Errorf("deposit must be a 32 byte hex id")
	}
	node, err := openNode(*configPath)
	if err != nil {
		return err
	}
	defer node.Close()
	refunded, err := node.Bounties.RefundDeposit(context.Background(), node.Caller(funder), *id, common.HexToHash(raw), funder)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "refunded deposit %s to %s\n", refunded.ID.Hex(), refunded.Funder.Hex())
	return nil
}

func runClose(args []string, out io.Writer) error {
	fs, configPath := newFlagSet("close")
	id := fs.String("bounty", "", "bounty identifier")
	callerFlag := fs.String("caller", "", "acting address: a claim manager for atomic bounties, the issuer otherwise")
	winnerFlag := fs.String("winner", "", "winner address of an atomic bounty")
	evidence := fs.String("evidence", "", "closer evidence recorded with an atomic close")
	if err := fs.Parse(args); err != nil {
		return err
	}
	actor, err := parseAddress("caller", *callerFlag)
	if err != nil {
		return err
	}
	node, err := openNode(*configPath)
	if err != nil {
		return err
	}
	defer node.Close()
	record, err := node.Bounties.GetBounty(*id)
	if err != nil {
		return err
	}
	ctx := context.Background()
	caller := node.Caller(actor)
	switch {
	case record.Variant == bounty.VariantAtomic:
		winner, err := parseAddress("winner", *winnerFlag)
		if err != nil {
			return err
		}
		err = node.Bounties.Close(ctx, caller, record.ID, winner, []byte(*evidence))
		if err != nil {
			return err
		}
	case record.Variant == bounty.VariantOngoing:
		if err := node.Bounties.CloseOngoing(ctx, caller, record.ID); err != nil {
			return err
		}
	case record.Variant.Tiered():
		if err := node.Bounties.CloseCompetition(ctx, caller, record.ID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported variant %s", record.Variant)
	}
	fmt.Fprintf(out, "closed %s\n", record.ID)
	return nil
}

func runShow(args []string, out io.Writer) error {
	fs, configPath := newFlagSet("show")
	id := fs.String("bounty", "", "bounty identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	node, err := openNode(*configPath)
	if err != nil {
		return err
	}
	defer node.Close()
	record, err := node.Bounties.GetBounty(*id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(record)
}

func runEvents(args []string, out io.Writer) error {
	fs, configPath := newFlagSet("events")
	from := fs.Uint64("from", 1, "first sequence number")
	limit := fs.Int("limit", 100, "maximum entries, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	node, err := openNode(*configPath)
	if err != nil {
		return err
	}
	defer node.Close()
	entries, err := node.Journal().Entries(*from, *limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}

func runReplay(args []string, out io.Writer) error {
	fs, configPath := newFlagSet("replay")
	if err := fs.Parse(args); err != nil {
		return err
	}
	node, err := openNode(*configPath)
	if err != nil {
		return err
	}
	defer node.Close()
	entries, err := node.Journal().Entries(0, 0)
	if err != nil {
		return err
	}
	log := make([]*types.Event, 0, len(entries))
	for _, entry := range entries {
		log = append(log, entry.Event())
	}
	balances, err := bounty.ReplayBalances(log)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(balances))
	for id := range balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	mismatches := 0
	for _, id := range ids {
		assets := make([]common.Address, 0, len(balances[id]))
		for asset := range balances[id] {
			assets = append(assets, asset)
		}
		sort.Slice(assets, func(i, j int) bool { return assets[i].Hex() < assets[j].Hex() })
		for _, asset := range assets {
			replayed := balances.Get(id, asset)
			held, err := node.Bounties.Balance(id, asset)
			if err != nil {
				return err
			}
			status := "ok"
			if replayed.Cmp(held) != 0 {
				status = "MISMATCH"
				mismatches++
			}
			fmt.Fprintf(out, "%s %s replayed=%s held=%s %s\n", id, asset.Hex(), replayed, held, status)
		}
	}
	if mismatches > 0 {
		return fmt.Errorf("%d balances differ from the journal", mismatches)
	}
	return nil
}

func runExport(args []string, out io.Writer) error {
	fs, configPath := newFlagSet("export")
	format := fs.String("format", "csv", "csv, jsonl, parquet or sqlite")
	outPath := fs.String("out", "", "output file")
	from := fs.Uint64("from", 1, "first sequence number")
	limit := fs.Int("limit", 0, "maximum entries, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*outPath) == "" {
		return errors.New("-out is required")
	}
	node, err := openNode(*configPath)
	if err != nil {
		return err
	}
	defer node.Close()
	entries, err := node.Journal().Entries(*from, *limit)
	if err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "csv":
		data, sum, err := exports.EventsCSV(entries)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*outPath, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %d entries to %s sha256=%s\n", len(entries), *outPath, sum)
	case "jsonl":
		data, sum, err := exports.EventsJSONL(entries)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*outPath, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %d entries to %s sha256=%s\n", len(entries), *outPath, sum)
	case "parquet":
		sum, err := exports.WriteEventsParquet(*outPath, entries)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %d entries to %s sha256=%s\n", len(entries), *outPath, sum)
	case "sqlite":
		inserted, err := exports.WriteEventsSQLite(context.Background(), *outPath, entries)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "inserted %d of %d entries into %s\n", inserted, len(entries), *outPath)
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("ARBITERD_JWT_SECRET"), "HMAC secret, defaults to $ARBITERD_JWT_SECRET")
	issuer := fs.String("issuer", "", "token issuer")
	addrFlag := fs.String("address", "", "subject address")
	rolesFlag := fs.String("roles", "", "comma separated roles")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr, err := parseAddress("address", *addrFlag)
	if err != nil {
		return err
	}
	var roles []types.Role
	for _, name := range strings.Split(*rolesFlag, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		role, ok := types.ParseRole(name)
		if !ok {
			return fmt.Errorf("unknown role %q", name)
		}
		roles = append(roles, role)
	}
	token, err := gatewaymw.IssueToken(*secret, *issuer, addr, *ttl, roles...)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func parseAddress(name, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("-%s must be a hex address", name)
	}
	return common.HexToAddress(value), nil
}

func parseAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q must be a positive integer", value)
	}
	return amount, nil
}

func parseSchedule(value string) ([]*big.Int, error) {
	parts := strings.Split(value, ",")
	out := make([]*big.Int, 0, len(parts))
	for _, part := range parts {
		v, ok := new(big.Int).SetString(strings.TrimSpace(part), 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("schedule entry %q must be a non-negative integer", part)
		}
		out = append(out, v)
	}
	return out, nil
}
