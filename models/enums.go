package models

import "errors"

type SessionStatus string

const (
	SessionStatusOpen      SessionStatus = "open"
	SessionStatusClosed    SessionStatus = "closed"
	SessionStatusSuspended SessionStatus = "suspended"
)

func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusOpen, SessionStatusClosed, SessionStatusSuspended:
		return true
	}
	return false
}

type MovementType string

const (
	MovementTypeSale   MovementType = "sale"
	MovementTypeRefund MovementType = "refund"
	MovementTypeIn     MovementType = "in"
	MovementTypeOut    MovementType = "out"
)

func (t MovementType) IsValid() bool {
	switch t {
	case MovementTypeSale, MovementTypeRefund, MovementTypeIn, MovementTypeOut:
		return true
	}
	return false
}

// StoredNegative reports whether amounts of this type are persisted with a
// negative sign (positive magnitudes are negated on input).
func (t MovementType) StoredNegative() bool {
	return t == MovementTypeRefund || t == MovementTypeOut
}

type PaymentMethod string

const (
	PaymentMethodCash     PaymentMethod = "cash"
	PaymentMethodCard     PaymentMethod = "card"
	PaymentMethodTransfer PaymentMethod = "transfer"
	PaymentMethodOther    PaymentMethod = "other"
)

func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodTransfer, PaymentMethodOther:
		return true
	}
	return false
}

type CountType string

const (
	CountTypeOpening CountType = "opening"
	CountTypeClosing CountType = "closing"
)

func (t CountType) IsValid() bool {
	return t == CountTypeOpening || t == CountTypeClosing
}

type DifferenceClassification string

const (
	DifferenceExact    DifferenceClassification = "exact"
	DifferenceSurplus  DifferenceClassification = "surplus"
	DifferenceShortage DifferenceClassification = "shortage"
)

type UserRole string

const (
	UserRoleAdmin   UserRole = "A"
	UserRoleOwner   UserRole = "O"
	UserRoleCashier UserRole = "C"
)

/* outbox */

type CashReferenceType string

const (
	CashReferenceTypeSession  CashReferenceType = "CS"
	CashReferenceTypeMovement CashReferenceType = "CM"
	CashReferenceTypeCount    CashReferenceType = "CC"
)

type CashEventAction string

const (
	CashEventActionOpened   CashEventAction = "OPENED"
	CashEventActionClosed   CashEventAction = "CLOSED"
	CashEventActionRecorded CashEventAction = "RECORDED"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

func ParseMovementType(s string) (MovementType, error) {
	t := MovementType(s)
	if !t.IsValid() {
		return "", errors.New("invalid movement type")
	}
	return t, nil
}

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	if s == "" {
		return PaymentMethodCash, nil
	}
	m := PaymentMethod(s)
	if !m.IsValid() {
		return "", errors.New("invalid payment method")
	}
	return m, nil
}
