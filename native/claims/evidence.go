package claims

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/native/bounty"
)

var (
	flatEvidenceArgs   abi.Arguments
	tieredEvidenceArgs abi.Arguments
)

func init() {
	address := mustType("address")
	str := mustType("string")
	flatEvidenceArgs = abi.Arguments{{Name: "payee", Type: address}, {Name: "externalId", Type: str}, {Name: "sourceRef", Type: str}}
	tieredEvidenceArgs = append(append(abi.Arguments{}, flatEvidenceArgs...), abi.Argument{Name: "tier", Type: mustType("uint256")})
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(fmt.Sprintf("claims: abi type %s: %v", name, err))
	}
	return t
}

// EncodeEvidence ABI encodes ev. Tiered evidence carries the tier index as a
// trailing uint256.
func EncodeEvidence(ev bounty.Evidence, tiered bool) ([]byte, error) {
	if !tiered {
		return flatEvidenceArgs.Pack(ev.Payee, ev.ExternalID, ev.SourceRef)
	}
	if ev.Tier < 0 {
		return nil, fmt.Errorf("%w: tier %d", ErrMalformedEvidence, ev.Tier)
	}
	return tieredEvidenceArgs.Pack(ev.Payee, ev.ExternalID, ev.SourceRef, big.NewInt(int64(ev.Tier)))
}

// DecodeEvidence parses raw as flat or tiered evidence. The returned
// evidence keeps raw for event emission.
func DecodeEvidence(raw []byte, tiered bool) (bounty.Evidence, error) {
	args := flatEvidenceArgs
	if tiered {
		args = tieredEvidenceArgs
	}
	values, err := args.Unpack(raw)
	if err != nil {
		return bounty.Evidence{}, fmt.Errorf("%w: %v", ErrMalformedEvidence, err)
	}
	if len(values) != len(args) {
		return bounty.Evidence{}, fmt.Errorf("%w: %d fields", ErrMalformedEvidence, len(values))
	}
	payee, ok := values[0].(common.Address)
	if !ok {
		return bounty.Evidence{}, fmt.Errorf("%w: payee", ErrMalformedEvidence)
	}
	externalID, _ := values[1].(string)
	sourceRef, _ := values[2].(string)
	ev := bounty.Evidence{
		Payee:      payee,
		ExternalID: strings.TrimSpace(externalID),
		SourceRef:  strings.TrimSpace(sourceRef),
		Tier:       bounty.NoTier,
		Raw:        append([]byte(nil), raw...),
	}
	if ev.ExternalID == "" {
		return bounty.Evidence{}, fmt.Errorf("%w: external id", ErrMalformedEvidence)
	}
	if tiered {
		tier, ok := values[3].(*big.Int)
		if !ok || tier.Sign() < 0 || !tier.IsInt64() || tier.Int64() > math.MaxInt32 {
			return bounty.Evidence{}, fmt.Errorf("%w: tier", ErrMalformedEvidence)
		}
		ev.Tier = int(tier.Int64())
	}
	return ev, nil
}
