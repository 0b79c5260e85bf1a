// Package lifecycle owns bill status transitions and the money fields that
// move with them. Every function leaves amount == received + pending.
package lifecycle

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/rentway/internal/apperror"
	"github.com/smallbiznis/rentway/internal/billing/calculator"
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
)

type Policy struct {
	AllowOverpayment     bool
	RequireDownstreamAck bool
}

var transitions = map[billingdomain.BillStatus][]billingdomain.BillStatus{
	billingdomain.BillStatusPending: {billingdomain.BillStatusOverdue, billingdomain.BillStatusPaid, billingdomain.BillStatusCompleted},
	billingdomain.BillStatusOverdue: {billingdomain.BillStatusPending, billingdomain.BillStatusPaid, billingdomain.BillStatusCompleted},
	billingdomain.BillStatusPaid:    {billingdomain.BillStatusCompleted},
}

func CanTransition(from, to billingdomain.BillStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NewBill initializes the money fields of a freshly composed bill.
func NewBill(bill *billingdomain.Bill, amount decimal.Decimal) {
	bill.Amount = calculator.RoundAmount(amount)
	bill.ReceivedAmount = decimal.Zero
	bill.PendingAmount = bill.Amount
	bill.OverpaidAmount = decimal.Zero
	bill.Status = billingdomain.BillStatusPending
}

// ApplyPayment books a payment and moves the status. A payment that clears
// the balance completes the bill unless downstream processing must confirm.
func ApplyPayment(bill *billingdomain.Bill, delta decimal.Decimal, method string, paidAt time.Time, policy Policy) error {
	if bill.Status == billingdomain.BillStatusCompleted {
		return apperror.Violation(billingdomain.ErrBillCompleted, "bill "+bill.BillNumber+" is completed", "record the payment on a new bill")
	}
	delta = calculator.RoundAmount(delta)
	if !delta.IsPositive() {
		return apperror.Validation(billingdomain.ErrInvalidPayment, "received_amount_delta", "payment must be positive")
	}
	if delta.GreaterThan(bill.PendingAmount) && !policy.AllowOverpayment {
		return apperror.Validation(billingdomain.ErrInvalidPayment, "received_amount_delta",
			"payment "+delta.StringFixed(2)+" exceeds pending amount "+bill.PendingAmount.StringFixed(2))
	}

	received := bill.ReceivedAmount.Add(delta)
	overpaid := bill.OverpaidAmount
	if received.GreaterThan(bill.Amount) {
		overpaid = overpaid.Add(received.Sub(bill.Amount))
		received = bill.Amount
	}

	next := billingdomain.BillStatusPaid
	pending := bill.Amount.Sub(received)
	if pending.IsZero() && (!policy.RequireDownstreamAck || bill.ProcessedAt != nil) {
		next = billingdomain.BillStatusCompleted
	}
	if !CanTransition(bill.Status, next) {
		return apperror.Violation(billingdomain.ErrInvalidTransition,
			"cannot move bill from "+string(bill.Status)+" to "+string(next), "")
	}

	bill.ReceivedAmount = received
	bill.PendingAmount = pending
	bill.OverpaidAmount = overpaid
	bill.Status = next
	at := paidAt.UTC()
	bill.PaidDate = &at
	if m := strings.TrimSpace(method); m != "" {
		bill.PaymentMethod = &m
	}
	return CheckBalance(bill)
}

// MarkProcessed records downstream completion. A settled PAID bill becomes
// COMPLETED; otherwise the acknowledgement is kept for a later payment.
func MarkProcessed(bill *billingdomain.Bill, at time.Time) error {
	if bill.Status == billingdomain.BillStatusCompleted {
		return nil
	}
	processed := at.UTC()
	bill.ProcessedAt = &processed
	if bill.Status == billingdomain.BillStatusPaid && bill.PendingAmount.IsZero() {
		bill.Status = billingdomain.BillStatusCompleted
	}
	return nil
}

// MarkOverdue flips PENDING bills with an open balance past their due date.
func MarkOverdue(bill *billingdomain.Bill, now time.Time) bool {
	if bill.Status != billingdomain.BillStatusPending || !bill.PendingAmount.IsPositive() {
		return false
	}
	if !now.After(bill.DueDate) {
		return false
	}
	bill.Status = billingdomain.BillStatusOverdue
	return true
}

// Reopen moves an OVERDUE bill back to PENDING once its due date lies in the
// future again.
func Reopen(bill *billingdomain.Bill, now time.Time) bool {
	if bill.Status != billingdomain.BillStatusOverdue || now.After(bill.DueDate) {
		return false
	}
	bill.Status = billingdomain.BillStatusPending
	return true
}

// Reprice sets a new amount and rebalances without touching the status.
// Received cash beyond the new amount moves to OverpaidAmount and is
// returned as excess.
func Reprice(bill *billingdomain.Bill, amount decimal.Decimal) (excess decimal.Decimal, err error) {
	amount = calculator.RoundAmount(amount)
	excess = decimal.Zero
	received := bill.ReceivedAmount
	if received.GreaterThan(amount) {
		excess = received.Sub(amount)
		received = amount
	}
	bill.Amount = amount
	bill.ReceivedAmount = received
	bill.PendingAmount = amount.Sub(received)
	bill.OverpaidAmount = bill.OverpaidAmount.Add(excess)
	return excess, CheckBalance(bill)
}

// Settle moves a bill whose balance was cleared by a reprice to the status a
// clearing payment would have produced. Bills nobody has paid stay put.
func Settle(bill *billingdomain.Bill, policy Policy) bool {
	if bill.Status == billingdomain.BillStatusCompleted || !bill.PendingAmount.IsZero() {
		return false
	}
	if !bill.ReceivedAmount.IsPositive() && !bill.OverpaidAmount.IsPositive() {
		return false
	}
	next := billingdomain.BillStatusPaid
	if !policy.RequireDownstreamAck || bill.ProcessedAt != nil {
		next = billingdomain.BillStatusCompleted
	}
	if next == bill.Status || !CanTransition(bill.Status, next) {
		return false
	}
	bill.Status = next
	return true
}

// CheckBalance rejects negative money fields and a broken balance.
func CheckBalance(bill *billingdomain.Bill) error {
	if bill.ReceivedAmount.IsNegative() || bill.PendingAmount.IsNegative() || bill.OverpaidAmount.IsNegative() {
		return apperror.Violation(billingdomain.ErrBalanceInvariant, "bill "+bill.BillNumber+" has a negative balance", "")
	}
	if !bill.Amount.Equal(bill.ReceivedAmount.Add(bill.PendingAmount)) {
		return apperror.Violation(billingdomain.ErrBalanceInvariant,
			"bill "+bill.BillNumber+" amount does not equal received plus pending", "")
	}
	return nil
}
