// Package errors defines the failure taxonomy shared by the channel data
// model, the protocol runner and the node. Sentinels are matched with
// errors.Is; the structured types carry the context a caller needs to report
// a precise diagnostic and unwrap to their sentinel.
package errors

import (
	stderrors "errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Validation errors.
var (
	ErrNullInitialState             = stderrors.New("channel: proposal has a null initial state")
	ErrNoProposedAppInstance        = stderrors.New("channel: no proposed app instance for id")
	ErrAppAlreadyInstalled          = stderrors.New("channel: app instance already installed")
	ErrCannotUninstallFreeBalance   = stderrors.New("channel: the free balance cannot be uninstalled")
	ErrAppNotFound                  = stderrors.New("channel: app instance not found")
	ErrNotYourBalanceRefundApp      = stderrors.New("channel: balance refund app belongs to another party")
	ErrUseRescindDepositRights      = stderrors.New("channel: balance refund apps are removed via rescind deposit rights")
	ErrTooManyApps                  = stderrors.New("channel: maximum number of installed apps reached")
	ErrChannelNotFound              = stderrors.New("channel: state channel not found")
	ErrChannelExists                = stderrors.New("channel: state channel already exists")
	ErrProposalConflict             = stderrors.New("channel: app sequence number already used")
	ErrInvalidParams                = stderrors.New("channel: invalid protocol parameters")
	ErrStaleChannelState            = stderrors.New("channel: state changed while awaiting counterparty")
	ErrInvalidAction                = stderrors.New("channel: action rejected by app logic")
	ErrUnsupportedOutcome           = stderrors.New("channel: unsupported outcome type")
	ErrNotAParticipant              = stderrors.New("channel: node is not a participant")
	ErrChainProviderNotConfigured   = stderrors.New("channel: no chain provider configured")
	ErrVirtualAppInstallationFailed = stderrors.New("channel: virtual app installation failed")
)

// Cryptographic errors.
var (
	ErrInvalidSignature  = stderrors.New("channel: invalid signature")
	ErrMissingSignatures = stderrors.New("channel: commitment is missing signatures")
)

// Collateral errors.
var (
	ErrInsufficientFreeBalance = stderrors.New("channel: insufficient free balance")
)

// Messaging errors.
var (
	ErrMessagingTimeout = stderrors.New("channel: timed out waiting for counterparty")
	ErrRemoteAborted    = stderrors.New("channel: counterparty aborted the protocol")
)

// AppNotFoundError names the app that could not be resolved.
type AppNotFoundError struct {
	AppID    common.Hash
	Multisig common.Address
}

func (e *AppNotFoundError) Error() string {
	if e.Multisig == (common.Address{}) {
		return fmt.Sprintf("%s: %s", ErrAppNotFound, e.AppID.Hex())
	}
	return fmt.Sprintf("%s: %s in channel %s", ErrAppNotFound, e.AppID.Hex(), e.Multisig.Hex())
}

func (e *AppNotFoundError) Unwrap() error { return ErrAppNotFound }

// NewAppNotFound builds an AppNotFoundError.
func NewAppNotFound(id common.Hash, multisig common.Address) error {
	return &AppNotFoundError{AppID: id, Multisig: multisig}
}

// InsufficientFundsError reports a balance that would go negative.
type InsufficientFundsError struct {
	Multisig  common.Address
	Token     common.Address
	Party     common.Address
	Required  *big.Int
	Available *big.Int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: channel %s token %s party %s requires %s, has %s",
		ErrInsufficientFreeBalance, e.Multisig.Hex(), e.Token.Hex(), e.Party.Hex(),
		bigString(e.Required), bigString(e.Available))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFreeBalance }

// SignatureError reports a signature that did not recover to the expected signer.
type SignatureError struct {
	Digest    common.Hash
	Expected  common.Address
	Recovered common.Address
	Reason    string
}

func (e *SignatureError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (digest %s)", ErrInvalidSignature, e.Reason, e.Digest.Hex())
	}
	return fmt.Sprintf("%s: digest %s expected signer %s, recovered %s",
		ErrInvalidSignature, e.Digest.Hex(), e.Expected.Hex(), e.Recovered.Hex())
}

func (e *SignatureError) Unwrap() error { return ErrInvalidSignature }

// TooManyAppsError carries the configured limit.
type TooManyAppsError struct {
	Multisig common.Address
	Limit    int
}

func (e *TooManyAppsError) Error() string {
	return fmt.Sprintf("%s: channel %s already has %d apps", ErrTooManyApps, e.Multisig.Hex(), e.Limit)
}

func (e *TooManyAppsError) Unwrap() error { return ErrTooManyApps }

// VirtualAppError explains why an intermediary refused a virtual install.
type VirtualAppError struct {
	Intermediary string
	Cause        error
}

func (e *VirtualAppError) Error() string {
	return fmt.Sprintf("%s: intermediary %s: %v", ErrVirtualAppInstallationFailed, e.Intermediary, e.Cause)
}

// Is lets callers match both the virtual-install sentinel and the cause.
func (e *VirtualAppError) Is(target error) bool {
	return target == ErrVirtualAppInstallationFailed
}

func (e *VirtualAppError) Unwrap() error { return e.Cause }

// RemoteError is the failure reported by a counterparty. Code names the
// sentinel the counterparty failed with, when it had one.
type RemoteError struct {
	From    string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRemoteAborted, e.Message)
}

// Is matches ErrRemoteAborted and the sentinel named by Code.
func (e *RemoteError) Is(target error) bool {
	if target == ErrRemoteAborted {
		return true
	}
	sentinel, ok := sentinelsByCode[e.Code]
	return ok && target == sentinel
}

var codes = map[error]string{
	ErrNullInitialState:             "null_initial_state",
	ErrNoProposedAppInstance:        "no_proposed_app_instance",
	ErrAppAlreadyInstalled:          "app_already_installed",
	ErrCannotUninstallFreeBalance:   "cannot_uninstall_free_balance",
	ErrAppNotFound:                  "app_not_found",
	ErrNotYourBalanceRefundApp:      "not_your_balance_refund_app",
	ErrUseRescindDepositRights:      "use_rescind_deposit_rights",
	ErrTooManyApps:                  "too_many_apps",
	ErrChannelNotFound:              "channel_not_found",
	ErrChannelExists:                "channel_exists",
	ErrProposalConflict:             "proposal_conflict",
	ErrInvalidParams:                "invalid_params",
	ErrStaleChannelState:            "stale_channel_state",
	ErrInvalidAction:                "invalid_action",
	ErrUnsupportedOutcome:           "unsupported_outcome",
	ErrNotAParticipant:              "not_a_participant",
	ErrVirtualAppInstallationFailed: "virtual_app_installation_failed",
	ErrInvalidSignature:             "invalid_signature",
	ErrMissingSignatures:            "missing_signatures",
	ErrInsufficientFreeBalance:      "insufficient_free_balance",
	ErrMessagingTimeout:             "messaging_timeout",
}

var sentinelsByCode = func() map[string]error {
	out := make(map[string]error, len(codes))
	for err, code := range codes {
		out[code] = err
	}
	return out
}()

// Code returns the stable code of the first known sentinel err matches, or
// "internal". Virtual install failures take precedence over their cause.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if stderrors.Is(err, ErrVirtualAppInstallationFailed) {
		return codes[ErrVirtualAppInstallationFailed]
	}
	for sentinel, code := range codes {
		if stderrors.Is(err, sentinel) {
			return code
		}
	}
	return "internal"
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
