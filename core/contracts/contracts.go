// Package contracts holds the ABI fragments of the on-chain contracts that
// channel commitments and the chain provider talk to.
package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const multisigABI = `[
 {"type":"function","name":"setup","inputs":[{"name":"_owners","type":"address[]"}],"outputs":[]},
 {"type":"function","name":"execTransaction","inputs":[
  {"name":"to","type":"address"},
  {"name":"value","type":"uint256"},
  {"name":"data","type":"bytes"},
  {"name":"operation","type":"uint8"},
  {"name":"signatures","type":"bytes[]"}],"outputs":[]}
]`

const proxyFactoryABI = `[
 {"type":"function","name":"createProxyWithNonce","inputs":[
  {"name":"_mastercopy","type":"address"},
  {"name":"initializer","type":"bytes"},
  {"name":"saltNonce","type":"uint256"}],"outputs":[{"name":"proxy","type":"address"}]}
]`

const challengeRegistryABI = `[
 {"type":"function","name":"setState","inputs":[
  {"name":"appIdentity","type":"tuple","components":[
   {"name":"participants","type":"address[]"},
   {"name":"appDefinition","type":"address"},
   {"name":"defaultTimeout","type":"uint256"}]},
  {"name":"req","type":"tuple","components":[
   {"name":"appStateHash","type":"bytes32"},
   {"name":"versionNumber","type":"uint256"},
   {"name":"timeout","type":"uint256"},
   {"name":"signatures","type":"bytes"}]}],"outputs":[]}
]`

const delegateTargetABI = `[
 {"type":"function","name":"executeEffectOfFreeBalance","inputs":[
  {"name":"challengeRegistryAddress","type":"address"},
  {"name":"freeBalanceAppIdentityHash","type":"bytes32"},
  {"name":"interpreterAddress","type":"address"}],"outputs":[]},
 {"type":"function","name":"executeEffectOfInterpretedAppOutcome","inputs":[
  {"name":"challengeRegistryAddress","type":"address"},
  {"name":"freeBalanceAppIdentityHash","type":"bytes32"},
  {"name":"appIdentityHash","type":"bytes32"},
  {"name":"interpreterAddress","type":"address"},
  {"name":"interpreterParams","type":"bytes"}],"outputs":[]}
]`

const erc20ABI = `[
 {"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const appABI = `[
 {"type":"function","name":"applyAction","stateMutability":"pure","inputs":[{"name":"encodedState","type":"bytes"},{"name":"encodedAction","type":"bytes"}],"outputs":[{"name":"","type":"bytes"}]},
 {"type":"function","name":"computeOutcome","stateMutability":"pure","inputs":[{"name":"encodedState","type":"bytes"}],"outputs":[{"name":"","type":"bytes"}]}
]`

var (
	Multisig          = mustParse("multisig", multisigABI)
	ProxyFactory      = mustParse("proxy factory", proxyFactoryABI)
	ChallengeRegistry = mustParse("challenge registry", challengeRegistryABI)
	DelegateTarget    = mustParse("delegate target", delegateTargetABI)
	ERC20             = mustParse("erc20", erc20ABI)
	App               = mustParse("app", appABI)
)

func mustParse(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("contracts: parse %s abi: %v", name, err))
	}
	return parsed
}

// Operation is the multisig call type.
type Operation uint8

const (
	OperationCall         Operation = 0
	OperationDelegateCall Operation = 1
)

// ProxyCreationCode is the init code of the proxy deployed by the proxy
// factory. The mastercopy address is appended as a uint256 word.
var ProxyCreationCode = common.FromHex("0x608060405234801561001057600080fd5b506040516020806102" +
	"0183398101806040528101908080519060200190929190505050600073ffffffffffffffffffffffffffffffffffffffff" +
	"168173ffffffffffffffffffffffffffffffffffffffff161415151561010f5760405180806020018281038252602481" +
	"52602001807f496e76616c6964206d617374657220636f707920616464726573732070726f7681526020017f6964656400" +
	"00000000000000000000000000000000000000000000000000000000008152506040019150506040518091039082f0" +
	"5b806000806101000a81548173ffffffffffffffffffffffffffffffffffffffff021916908373ffffffffffffffffff" +
	"ffffffffffffffffffffff1602179055505060ac806101576000396000f3")

// MultisigSetupCalldata encodes setup(owners).
func MultisigSetupCalldata(owners []common.Address) ([]byte, error) {
	return Multisig.Pack("setup", owners)
}
