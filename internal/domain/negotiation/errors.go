package negotiation

import (
	"errors"
	"fmt"
)

// Kind classifies a rejected operation.
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindPermission          Kind = "PERMISSION"
	KindTurn                Kind = "TURN"
	KindLockConflict        Kind = "LOCK_CONFLICT"
	KindStale               Kind = "STALE"
	KindConsumptionConflict Kind = "CONSUMPTION_CONFLICT"
	KindNotFound            Kind = "NOT_FOUND"
)

// Error is a rejected negotiation operation. Negotiation carries the
// authoritative state at the time of rejection when one was loaded.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	Negotiation *Negotiation
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return e.Message
}

// Is matches on Kind, and on Code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Retryable reports whether the client may retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindLockConflict
}

// With returns a copy carrying the given negotiation snapshot.
func (e *Error) With(n *Negotiation) *Error {
	c := *e
	c.Negotiation = n.Clone()
	return &c
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Kind sentinels, usable with errors.Is.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrPermission          = &Error{Kind: KindPermission}
	ErrTurn                = &Error{Kind: KindTurn}
	ErrLockConflict        = &Error{Kind: KindLockConflict}
	ErrStale               = &Error{Kind: KindStale}
	ErrConsumptionConflict = &Error{Kind: KindConsumptionConflict}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

var (
	ErrPriceBelowFloor       = newError(KindValidation, "price_below_floor", "price is below the seller's floor")
	ErrPriceAboveListed      = newError(KindValidation, "price_above_listed", "price is above the listed price")
	ErrPriceNotPositive      = newError(KindValidation, "price_not_positive", "price must be greater than zero")
	ErrQuantityBelowMinimum  = newError(KindValidation, "quantity_below_minimum", "quantity is below the minimum order quantity")
	ErrQuantityExceedsStock  = newError(KindValidation, "quantity_exceeds_stock", "quantity exceeds current stock")
	ErrSelfNegotiation       = newError(KindValidation, "self_negotiation", "seller cannot negotiate on own product")
	ErrActiveExists          = newError(KindValidation, "active_negotiation_exists", "an active negotiation already exists for this product")
	ErrOrderQuantityTooSmall = newError(KindValidation, "order_quantity_below_negotiated", "order quantity is below the negotiated quantity")
	ErrNotAccepted           = newError(KindValidation, "not_accepted", "negotiation has not been accepted")
	ErrInvalidAction         = newError(KindValidation, "invalid_action", "action must be accept, reject or counter")
	ErrInvalidExtension      = newError(KindValidation, "invalid_extension", "lock extension is out of range")
	ErrMissingTerms          = newError(KindValidation, "missing_terms", "counter requires price and quantity")
	ErrMessageTooLong        = newError(KindValidation, "message_too_long", "message exceeds 2000 characters")
	ErrMessageEncoding       = newError(KindValidation, "message_not_utf8", "message is not valid UTF-8")

	ErrNotParty             = newError(KindPermission, "not_a_party", "caller is not a party to this negotiation")
	ErrBuyerNotVerified     = newError(KindPermission, "buyer_not_verified", "buyer is not B2B verified")
	ErrNegotiationDisabled  = newError(KindPermission, "negotiation_disabled", "product does not allow negotiation")
	ErrLockReleaseForbidden = newError(KindPermission, "lock_release_forbidden", "only the seller or an administrator may release the lock")
	ErrNotLockOwner         = newError(KindPermission, "not_lock_owner", "only the current lock owner may extend the lock")

	ErrNotYourTurn = newError(KindTurn, "not_your_turn", "wait for the other party to respond")

	ErrLocked = newError(KindLockConflict, "locked", "negotiation is locked by another party")

	ErrTerminal = newError(KindStale, "terminal", "negotiation is already closed")
	ErrExpired  = newError(KindStale, "expired", "negotiation expired due to inactivity")

	ErrAlreadyConsumed   = newError(KindConsumptionConflict, "already_consumed", "negotiation was already used for an order")
	ErrInsufficientStock = newError(KindConsumptionConflict, "insufficient_stock", "stock is insufficient for this order")
	ErrOrderRefUsed      = newError(KindConsumptionConflict, "duplicate_order_ref", "order reference was already used")

	ErrNegotiationNotFound = newError(KindNotFound, "negotiation_not_found", "negotiation not found")
	ErrProductNotFound     = newError(KindNotFound, "product_not_found", "product not found")
)

// ErrInvalidTransition is returned by the aggregate when a status change is not allowed.
var ErrInvalidTransition = newError(KindStale, "invalid_transition", "invalid status transition")

// Storage-level sentinels.
var (
	ErrVersionConflict = errors.New("negotiation version conflict")
	ErrDuplicateActive = errors.New("active negotiation already exists for buyer, seller and product")
)

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
