package db

import (
	"fmt"

	"github.com/google/uuid"
)

type OrderTestStatus string

const (
	OrderTestPending    OrderTestStatus = "PENDING"
	OrderTestInProgress OrderTestStatus = "IN_PROGRESS"
	OrderTestCompleted  OrderTestStatus = "COMPLETED"
	OrderTestVerified   OrderTestStatus = "VERIFIED"
	OrderTestRejected   OrderTestStatus = "REJECTED"
)

// orderTestTransitions lists the statuses a result write may move an order
// test to. Re-results keep a COMPLETED test COMPLETED; VERIFIED is only
// re-opened by a re-result accepted outside strict mode.
var orderTestTransitions = map[OrderTestStatus][]OrderTestStatus{
	OrderTestPending:    {OrderTestInProgress, OrderTestCompleted, OrderTestRejected},
	OrderTestInProgress: {OrderTestCompleted, OrderTestRejected},
	OrderTestCompleted:  {OrderTestCompleted, OrderTestVerified, OrderTestRejected},
	OrderTestVerified:   {OrderTestCompleted},
	OrderTestRejected:   {},
}

// panelTransitions lists the statuses the rollup may derive for a panel
// parent. A parent never enters IN_PROGRESS on its own and stays REJECTED.
var panelTransitions = map[OrderTestStatus][]OrderTestStatus{
	OrderTestPending:    {OrderTestCompleted, OrderTestVerified, OrderTestRejected},
	OrderTestInProgress: {OrderTestCompleted, OrderTestVerified, OrderTestRejected},
	OrderTestCompleted:  {OrderTestPending, OrderTestVerified, OrderTestRejected},
	OrderTestVerified:   {OrderTestCompleted},
	OrderTestRejected:   {},
}

func allowed(table map[OrderTestStatus][]OrderTestStatus, from, to OrderTestStatus) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether a result write may move an order test from
// one status to another.
func CanTransition(from, to OrderTestStatus) bool {
	return allowed(orderTestTransitions, from, to)
}

// CanRollup reports whether a panel parent may be moved to a derived status.
func CanRollup(from, to OrderTestStatus) bool {
	return allowed(panelTransitions, from, to)
}

// TransitionError is returned by stores for a status move the tables refuse.
// It matches ErrInvalidTransition.
type TransitionError struct {
	OrderTestID uuid.UUID
	From        OrderTestStatus
	To          OrderTestStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order test %s: %s -> %s not allowed", e.OrderTestID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Terminal reports whether instrument-driven writes are refused for the status.
func (s OrderTestStatus) Terminal() bool {
	return s == OrderTestVerified || s == OrderTestRejected
}

// Open reports whether work on the test has not produced a result yet.
func (s OrderTestStatus) Open() bool {
	return s == OrderTestPending || s == OrderTestInProgress
}

// Resulted reports COMPLETED or any status past it.
func (s OrderTestStatus) Resulted() bool {
	return s == OrderTestCompleted || s == OrderTestVerified || s == OrderTestRejected
}
