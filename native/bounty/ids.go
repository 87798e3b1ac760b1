package bounty

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

const (
	recordPrefix  = "bounty/rec/"
	addressPrefix = "bounty/addr/"
	lockPrefix    = "bounty/"
)

// DepositID derives the content addressed identifier of the seq-th deposit
// of a bounty. The bounty id is part of the preimage so identical deposits
// into different bounties never collide.
func DepositID(bountyID string, seq uint64) common.Hash {
	encoded, err := rlp.EncodeToBytes([]interface{}{bountyID, seq})
	if err != nil {
		// Strings and integers always encode.
		panic(err)
	}
	return ethcrypto.Keccak256Hash(encoded)
}

// AddressFor derives the deterministic escrow address of a bounty.
func AddressFor(bountyID string) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("bounty:" + bountyID)))
}

// ClaimantID hashes the identity portion of ongoing claim evidence.
func ClaimantID(externalID, sourceRef string) common.Hash {
	encoded, err := rlp.EncodeToBytes([]string{externalID, sourceRef})
	if err != nil {
		panic(err)
	}
	return ethcrypto.Keccak256Hash(encoded)
}

func recordKey(bountyID string) string { return recordPrefix + bountyID }

func addressKey(addr common.Address) string {
	return addressPrefix + strings.ToLower(addr.Hex())
}

func lockKey(bountyID string) string { return lockPrefix + bountyID }
