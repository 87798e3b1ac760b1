package bounty

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/core/types"
)

// Balances maps bounty id to asset to escrowed volume.
type Balances map[string]map[common.Address]*big.Int

// Get returns the replayed balance of asset in a bounty.
func (b Balances) Get(bountyID string, asset common.Address) *big.Int {
	if assets, ok := b[bountyID]; ok {
		if v, ok := assets[asset]; ok {
			return new(big.Int).Set(v)
		}
	}
	return new(big.Int)
}

func (b Balances) add(bountyID string, asset common.Address, delta *big.Int) {
	assets, ok := b[bountyID]
	if !ok {
		assets = make(map[common.Address]*big.Int)
		b[bountyID] = assets
	}
	current, ok := assets[asset]
	if !ok {
		current = new(big.Int)
		assets[asset] = current
	}
	current.Add(current, delta)
}

// ReplayBalances rebuilds every bounty's escrowed fungible balances from its
// event log alone.
func ReplayBalances(log []*types.Event) (Balances, error) {
	out := make(Balances)
	for i, evt := range log {
		if evt == nil {
			continue
		}
		var sign int
		switch evt.Type {
		case EventTypeDepositReceived:
			sign = 1
		case EventTypePayout:
			sign = -1
		case EventTypeDepositRefunded:
			if evt.Attr("nonFungible") == "true" {
				continue
			}
			sign = -1
		default:
			continue
		}
		bountyID := evt.Attr(AttrBountyID)
		if bountyID == "" {
			return nil, fmt.Errorf("bounty: replay event %d (%s) lacks %s", i, evt.Type, AttrBountyID)
		}
		amount, ok := new(big.Int).SetString(evt.Attr(AttrAmount), 10)
		if !ok {
			return nil, fmt.Errorf("bounty: replay event %d (%s) has invalid amount %q", i, evt.Type, evt.Attr(AttrAmount))
		}
		if sign < 0 {
			amount.Neg(amount)
		}
		out.add(bountyID, common.HexToAddress(evt.Attr(AttrAsset)), amount)
	}
	return out, nil
}
