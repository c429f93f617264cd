package ledger

import "fmt"

type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("ledger: key not found: %s", e.Key)
}

type ErrInsufficientCredit struct {
	Key       string
	Balance   int64
	Requested int64
}

func (e *ErrInsufficientCredit) Error() string {
	return fmt.Sprintf(
		"ledger: insufficient credit for key %s: balance %d, requested %d",
		e.Key, e.Balance, e.Requested)
}

type ErrKeyDisabled struct {
	Key string
}

func (e *ErrKeyDisabled) Error() string {
	return fmt.Sprintf("ledger: key is disabled: %s", e.Key)
}
