package commitment

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"statechannels/core/contracts"
	"statechannels/core/types"
)

// multisigTransaction is a call executed by the channel multisig once every
// owner has signed it.
type multisigTransaction struct {
	signed
	kind      Kind
	multisig  common.Address
	to        common.Address
	value     *big.Int
	data      []byte
	operation contracts.Operation
}

func newMultisigTransaction(kind Kind, multisig common.Address, owners []common.Address, to common.Address, value *big.Int, data []byte, op contracts.Operation) (*multisigTransaction, error) {
	if len(owners) == 0 {
		return nil, fmt.Errorf("commitment: %s commitment without owners", kind)
	}
	if value == nil {
		value = new(big.Int)
	}
	valueWord, err := word(value)
	if err != nil {
		return nil, err
	}
	parts := [][]byte{{domainTag}, multisig.Bytes()}
	for _, owner := range owners {
		parts = append(parts, common.LeftPadBytes(owner.Bytes(), 32))
	}
	parts = append(parts, to.Bytes(), valueWord, data, []byte{byte(op)})
	return &multisigTransaction{
		signed:    signed{digest: crypto.Keccak256Hash(parts...), signers: append([]common.Address{}, owners...)},
		kind:      kind,
		multisig:  multisig,
		to:        to,
		value:     new(big.Int).Set(value),
		data:      append([]byte{}, data...),
		operation: op,
	}, nil
}

func (c *multisigTransaction) Kind() Kind { return c.kind }

// SignedTransaction encodes execTransaction on the multisig.
func (c *multisigTransaction) SignedTransaction() (*MinimalTransaction, error) {
	if err := c.requireSignatures(); err != nil {
		return nil, err
	}
	sigs := make([][]byte, len(c.sigs))
	for i, sig := range c.sigs {
		sigs[i] = sig.Bytes()
	}
	data, err := contracts.Multisig.Pack("execTransaction", c.to, c.value, c.data, uint8(c.operation), sigs)
	if err != nil {
		return nil, fmt.Errorf("commitment: encode execTransaction: %w", err)
	}
	return &MinimalTransaction{To: c.multisig, Value: new(big.Int), Data: data}, nil
}

// Setup establishes the free balance as the multisig's initial outcome.
type Setup struct{ *multisigTransaction }

// NewSetup builds the setup commitment for a channel.
func NewSetup(network types.NetworkContext, multisig common.Address, owners []common.Address, freeBalanceIdentityHash common.Hash) (*Setup, error) {
	data, err := contracts.DelegateTarget.Pack("executeEffectOfFreeBalance",
		network.ChallengeRegistry,
		freeBalanceIdentityHash,
		network.MultiAssetMultiPartyCoinTransferInterpreter,
	)
	if err != nil {
		return nil, fmt.Errorf("commitment: encode executeEffectOfFreeBalance: %w", err)
	}
	tx, err := newMultisigTransaction(KindSetup, multisig, owners, network.ConditionalTransactionDelegateTarget, nil, data, contracts.OperationDelegateCall)
	if err != nil {
		return nil, err
	}
	return &Setup{tx}, nil
}

// ConditionalTransaction pays out an app's interpreted outcome once the
// free balance is resolved on-chain.
type ConditionalTransaction struct {
	*multisigTransaction
	appIdentityHash common.Hash
}

// NewConditionalTransaction builds the conditional transaction for an app.
func NewConditionalTransaction(network types.NetworkContext, multisig common.Address, owners []common.Address, appIdentityHash, freeBalanceIdentityHash common.Hash, interpreter common.Address, interpreterParams []byte) (*ConditionalTransaction, error) {
	data, err := contracts.DelegateTarget.Pack("executeEffectOfInterpretedAppOutcome",
		network.ChallengeRegistry,
		freeBalanceIdentityHash,
		appIdentityHash,
		interpreter,
		interpreterParams,
	)
	if err != nil {
		return nil, fmt.Errorf("commitment: encode executeEffectOfInterpretedAppOutcome: %w", err)
	}
	tx, err := newMultisigTransaction(KindConditional, multisig, owners, network.ConditionalTransactionDelegateTarget, nil, data, contracts.OperationDelegateCall)
	if err != nil {
		return nil, err
	}
	return &ConditionalTransaction{multisigTransaction: tx, appIdentityHash: appIdentityHash}, nil
}

// ConditionalTransactionForApp derives interpreter and params from app.
func ConditionalTransactionForApp(network types.NetworkContext, owners []common.Address, app *types.AppInstance, freeBalanceIdentityHash common.Hash) (*ConditionalTransaction, error) {
	interpreter, err := network.InterpreterFor(app.OutcomeType)
	if err != nil {
		return nil, err
	}
	params, err := app.InterpreterParams.Encode(app.OutcomeType)
	if err != nil {
		return nil, err
	}
	return NewConditionalTransaction(network, app.Multisig, owners, app.IdentityHash(), freeBalanceIdentityHash, interpreter, params)
}

// AppIdentityHash is the app whose outcome is paid out.
func (c *ConditionalTransaction) AppIdentityHash() common.Hash { return c.appIdentityHash }

// Withdraw moves funds out of the multisig to a recipient.
type Withdraw struct {
	*multisigTransaction
	recipient common.Address
	amount    *big.Int
	token     common.Address
}

// NewWithdraw builds a withdrawal of amount of token to recipient. Ether is
// sent as call value; tokens through ERC20 transfer.
func NewWithdraw(multisig common.Address, owners []common.Address, recipient common.Address, amount *big.Int, token common.Address) (*Withdraw, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("commitment: withdrawal amount must be positive")
	}
	var (
		tx  *multisigTransaction
		err error
	)
	if token == types.ETHToken {
		tx, err = newMultisigTransaction(KindWithdraw, multisig, owners, recipient, amount, nil, contracts.OperationCall)
	} else {
		data, packErr := contracts.ERC20.Pack("transfer", recipient, amount)
		if packErr != nil {
			return nil, fmt.Errorf("commitment: encode transfer: %w", packErr)
		}
		tx, err = newMultisigTransaction(KindWithdraw, multisig, owners, token, nil, data, contracts.OperationCall)
	}
	if err != nil {
		return nil, err
	}
	return &Withdraw{multisigTransaction: tx, recipient: recipient, amount: new(big.Int).Set(amount), token: token}, nil
}

// Recipient is the withdrawal beneficiary.
func (c *Withdraw) Recipient() common.Address { return c.recipient }

// Amount is the withdrawn amount.
func (c *Withdraw) Amount() *big.Int { return new(big.Int).Set(c.amount) }
