package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"bountyescrow/config"
	"bountyescrow/core/types"
	gatewaymw "bountyescrow/gateway/middleware"
	"bountyescrow/native/bounty"
)

const (
	ctlAsset   = "0x00000000000000000000000000000000000000c1"
	ctlIssuer  = "0x00000000000000000000000000000000000000e1"
	ctlFunder  = "0x00000000000000000000000000000000000000e2"
	ctlWinner  = "0x00000000000000000000000000000000000000e3"
	ctlManager = "0x00000000000000000000000000000000000000b1"
)

func writeNodeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage = config.StorageLevelDB
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.JournalPath = filepath.Join(dir, "data", "journal.db")
	cfg.Roles.ClaimManagers = []string{ctlManager}
	cfg.Assets = []config.Asset{{Symbol: "usdx", Address: ctlAsset}}
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, config.Save(path, cfg))
	return path
}

func runCtl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	err := run(args, &buf)
	return buf.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCtl(t, args...)
	require.NoError(t, err, out)
	return out
}

func TestBountyLifecycleAcrossInvocations(t *testing.T) {
	cfg := writeNodeConfig(t)

	out := mustRun(t, "faucet", "-config", cfg, "-asset", ctlAsset, "-to", ctlFunder, "-amount", "5000")
	require.Contains(t, out, "5000")

	out = mustRun(t, "mint", "-config", cfg, "-id", "alpha", "-org", "acme", "-variant", "atomic",
		"-issuer", ctlIssuer, "-goal-asset", ctlAsset, "-goal-volume", "800")
	require.Contains(t, out, "minted alpha (atomic)")

	out = mustRun(t, "deposit", "-config", cfg, "-bounty", "alpha", "-funder", ctlFunder,
		"-asset", ctlAsset, "-amount", "1000", "-lock", "1h")
	fields := strings.Fields(out)
	require.GreaterOrEqual(t, len(fields), 2)
	depositID := fields[1]

	_, err := runCtl(t, "refund", "-config", cfg, "-bounty", "alpha", "-deposit", depositID, "-funder", ctlFunder)
	require.Error(t, err, "deposit is still inside its lock")

	out = mustRun(t, "show", "-config", cfg, "-bounty", "alpha")
	var record bounty.Bounty
	require.NoError(t, json.Unmarshal([]byte(out), &record))
	require.Equal(t, "alpha", record.ID)
	require.Len(t, record.Deposits, 1)
	require.Equal(t, depositID, record.Deposits[0].ID.Hex())
	require.Equal(t, "1000", record.Deposits[0].Remaining.String())
	require.NotNil(t, record.FundingGoal)

	out = mustRun(t, "close", "-config", cfg, "-bounty", "alpha", "-caller", ctlManager, "-winner", ctlWinner)
	require.Equal(t, "closed alpha\n", out)

	_, err = runCtl(t, "close", "-config", cfg, "-bounty", "alpha", "-caller", ctlManager, "-winner", ctlWinner)
	require.ErrorIs(t, err, bounty.ErrAlreadyClosed)

	out = mustRun(t, "events", "-config", cfg, "-limit", "0")
	scanner := bufio.NewScanner(strings.NewReader(out))
	var kinds []string
	for scanner.Scan() {
		var entry struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		kinds = append(kinds, entry.Type)
	}
	require.GreaterOrEqual(t, len(kinds), 3)
	require.Equal(t, bounty.EventTypeMinted, kinds[0])
	require.Equal(t, bounty.EventTypeDepositReceived, kinds[1])

	out = mustRun(t, "replay", "-config", cfg)
	require.Contains(t, out, "alpha "+common.HexToAddress(ctlAsset).Hex()+" replayed=1000 held=1000 ok")
}

func TestExportFormats(t *testing.T) {
	cfg := writeNodeConfig(t)
	mustRun(t, "mint", "-config", cfg, "-id", "beta", "-org", "acme", "-variant", "ongoing",
		"-issuer", ctlIssuer, "-payout-asset", ctlAsset, "-payout-volume", "10")

	dir := t.TempDir()
	for _, format := range []string{"csv", "jsonl", "parquet"} {
		path := filepath.Join(dir, "events."+format)
		out := mustRun(t, "export", "-config", cfg, "-format", format, "-out", path)
		require.Contains(t, out, "wrote 1 entries")
		require.Contains(t, out, "sha256=")
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.Positive(t, info.Size())
	}

	dbPath := filepath.Join(dir, "events.sqlite")
	out := mustRun(t, "export", "-config", cfg, "-format", "sqlite", "-out", dbPath)
	require.Contains(t, out, "inserted 1 of 1")
	out = mustRun(t, "export", "-config", cfg, "-format", "sqlite", "-out", dbPath)
	require.Contains(t, out, "inserted 0 of 1")

	_, err := runCtl(t, "export", "-config", cfg, "-format", "xml", "-out", filepath.Join(dir, "x"))
	require.Error(t, err)
	_, err = runCtl(t, "export", "-config", cfg)
	require.Error(t, err)
}

func TestTokenIssuesVerifiableBearer(t *testing.T) {
	out := mustRun(t, "token", "-secret", "s3cret", "-issuer", "bountyctl", "-address", ctlWinner, "-roles", "arbiter, claim-manager")
	token := strings.TrimSpace(out)

	auth := gatewaymw.NewAuthenticator(gatewaymw.AuthConfig{Enabled: true, HMACSecret: "s3cret", Issuer: "bountyctl"}, nil)
	caller, err := auth.Authenticate(token)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(ctlWinner), caller.Address)
	require.True(t, caller.Has(types.RoleArbiter))
	require.True(t, caller.Has(types.RoleClaimManager))
	require.False(t, caller.Has(types.RoleOwner))

	_, err = runCtl(t, "token", "-secret", "s3cret", "-address", ctlWinner, "-roles", "janitor")
	require.ErrorContains(t, err, "unknown role")
}

func TestRunRejectsBadInput(t *testing.T) {
	_, err := runCtl(t)
	require.Error(t, err)

	out, err := runCtl(t, "launch")
	require.ErrorContains(t, err, "unknown command")
	require.Contains(t, out, "usage: bountyctl")

	cfg := writeNodeConfig(t)
	_, err = runCtl(t, "mint", "-config", cfg, "-id", "gamma", "-variant", "lottery", "-issuer", ctlIssuer)
	require.Error(t, err)
	_, err = runCtl(t, "deposit", "-config", cfg, "-bounty", "gamma", "-funder", "nope", "-asset", ctlAsset, "-amount", "1")
	require.ErrorContains(t, err, "-funder")
	_, err = runCtl(t, "faucet", "-config", cfg, "-asset", ctlAsset, "-to", ctlFunder, "-amount", "-4")
	require.Error(t, err)
	_, err = runCtl(t, "show", "-config", cfg, "-bounty", "missing")
	require.ErrorIs(t, err, bounty.ErrBountyNotFound)
}
