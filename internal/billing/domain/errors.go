package domain

import "errors"

var (
	ErrInvalidID              = errors.New("invalid_id")
	ErrInvalidContract        = errors.New("invalid_contract")
	ErrInvalidAggregationMode = errors.New("invalid_aggregation_mode")
	ErrInvalidBillNumber      = errors.New("invalid_bill_number")
	ErrBillNotFound           = errors.New("bill_not_found")
	ErrInvalidPayment         = errors.New("invalid_payment")
	ErrEmptyReadingSet        = errors.New("empty_reading_set")
	ErrReadingNotFound        = errors.New("reading_not_found")
	ErrReadingAlreadyBilled   = errors.New("reading_already_billed")
	ErrReadingContractChanged = errors.New("reading_contract_mismatch")
	ErrBillCompleted          = errors.New("bill_completed")
	ErrInvalidTransition      = errors.New("invalid_status_transition")
	ErrBalanceInvariant       = errors.New("balance_invariant_violated")
	ErrLegacyChargeUnresolved = errors.New("legacy_charge_unresolved")
)
