// Package ledger records medication taken-flag transitions and reverts them.
package ledger

import (
	"context"
	"errors"
	"time"

	"medwatch/internal/eventbus"
	"medwatch/internal/storage"
	"medwatch/pkg/logx"
)

var (
	ErrNotFound        = storage.ErrNotFound
	ErrAlreadyReverted = errors.New("action already reverted")
)

// RevertedEvent is published on the bus after a revert commits.
type RevertedEvent struct {
	ActionID     int64
	Owner        int64
	MedicationID int64
	Taken        bool
}

// Result is what SetTaken changed.
type Result struct {
	Medication storage.Medication
	// Action is nil when the flag already had the requested value.
	Action *storage.MedicationAction
}

type Ledger struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

type Option func(*Ledger)

func WithBus(bus eventbus.Bus) Option {
	return func(l *Ledger) { l.bus = bus }
}

// WithClock overrides time.Now for action timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store storage.Store, log logx.Logger, opts ...Option) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{store: store, log: log.With(logx.String("comp", "ledger")), now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// RecordTransition appends an action when prev != next. It reports whether a
// row was written.
func (l *Ledger) RecordTransition(ctx context.Context, owner, medicationID int64, prev, next bool) (storage.MedicationAction, bool, error) {
	return l.record(ctx, l.store, owner, medicationID, prev, next)
}

func (l *Ledger) record(ctx context.Context, q storage.Queries, owner, medicationID int64, prev, next bool) (storage.MedicationAction, bool, error) {
	if prev == next {
		return storage.MedicationAction{}, false, nil
	}
	a, err := q.InsertMedicationAction(ctx, storage.MedicationAction{
		UserID:        owner,
		MedicationID:  medicationID,
		PreviousTaken: prev,
		NewTaken:      next,
		ActionTime:    l.now(),
	})
	if err != nil {
		return storage.MedicationAction{}, false, err
	}
	return a, true, nil
}

// SetTaken reads the current flag, writes the new one and records the
// transition, all in one transaction.
func (l *Ledger) SetTaken(ctx context.Context, owner, medicationID int64, taken bool) (Result, error) {
	var res Result
	err := l.store.InTx(ctx, func(tx storage.Tx) error {
		m, err := tx.GetMedication(ctx, owner, medicationID)
		if err != nil {
			return err
		}
		prev := m.Taken
		if err := tx.SetTaken(ctx, owner, medicationID, taken); err != nil {
			return err
		}
		a, ok, err := l.record(ctx, tx, owner, medicationID, prev, taken)
		if err != nil {
			return err
		}
		m.Taken = taken
		res.Medication = m
		if ok {
			res.Action = &a
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Action != nil {
		l.log.Debug("medication taken changed",
			logx.Int64("user_id", owner),
			logx.Int64("medication_id", medicationID),
			logx.Bool("taken", taken),
			logx.Int64("action_id", res.Action.ID),
		)
	}
	return res, nil
}

// Revert restores the medication's taken flag to the action's previous value
// and marks the action reverted. Of two concurrent reverts only one succeeds;
// the other gets ErrAlreadyReverted.
func (l *Ledger) Revert(ctx context.Context, owner, actionID int64) (storage.MedicationAction, error) {
	var a storage.MedicationAction
	err := l.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		a, err = tx.GetMedicationAction(ctx, owner, actionID)
		if err != nil {
			return err
		}
		if a.Reverted {
			return ErrAlreadyReverted
		}
		if err := tx.SetTaken(ctx, owner, a.MedicationID, a.PreviousTaken); err != nil {
			return err
		}
		ok, err := tx.MarkActionReverted(ctx, owner, actionID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyReverted
		}
		a.Reverted = true
		return nil
	})
	if err != nil {
		return storage.MedicationAction{}, err
	}

	l.log.Info("medication action reverted",
		logx.Int64("user_id", owner),
		logx.Int64("action_id", actionID),
		logx.Int64("medication_id", a.MedicationID),
		logx.Bool("taken", a.PreviousTaken),
	)
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{
			Type: eventbus.TypeActionReverted,
			Data: RevertedEvent{ActionID: a.ID, Owner: owner, MedicationID: a.MedicationID, Taken: a.PreviousTaken},
		})
	}
	return a, nil
}

// List returns the owner's actions newest first, optionally for one day.
func (l *Ledger) List(ctx context.Context, owner int64, day *storage.Date) ([]storage.MedicationAction, error) {
	return l.store.ListMedicationActions(ctx, owner, day)
}

func (l *Ledger) Delete(ctx context.Context, owner, actionID int64) error {
	return l.store.DeleteMedicationAction(ctx, owner, actionID)
}
