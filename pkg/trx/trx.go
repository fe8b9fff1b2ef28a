// Transactions let a stateful object be mutated in a way that is either fully applied or
// not applied at all, even when the mutation is interrupted part way through. Each type
// that wants this declares the fields that matter as a backup type B, and implements a
// single transfer function that copies those fields in either direction.
//
//	err := trx.Run(sink, func() error {
//	  sink.emitted += n
//	  return sink.dest.Write(ctx, fragment)
//	})
//
// If the mutation fails or panics before it can commit, the object is rolled back to the
// state it was in before Run was called.
package trx

type Direction int

const (
	// Backup copies mutation-relevant fields from the object into the backup
	Backup Direction = iota
	// Restore copies them back from the backup into the object
	Restore
)

func (d Direction) String() string {
	switch d {
	case Backup:
		return "backup"
	case Restore:
		return "restore"
	}

	return "unknown"
}

// Actor is implemented by any object that can participate in a transaction. Act must be a
// pure data copy: it cannot fail, and must not block.
type Actor[B any] interface {
	Act(backup *B, dir Direction)
}

// Snapshot takes a backup of the actor's current state
func Snapshot[B any](actor Actor[B]) *B {
	backup := new(B)
	actor.Act(backup, Backup)

	return backup
}

// Revert returns the actor to the state captured in backup
func Revert[B any](actor Actor[B], backup *B) {
	actor.Act(backup, Restore)
}

// Run snapshots the actor, then applies the mutation. A nil return commits the change,
// discarding the snapshot. An error or a panic restores the snapshot before control
// returns to the caller, with the panic re-raised afterwards.
//
// Callers are responsible for ensuring no other context observes the actor between the
// snapshot and the commit or abort, usually by holding the lock that guards its state.
func Run[B any](actor Actor[B], mutate func() error) (err error) {
	backup := Snapshot(actor)

	committed := false
	defer func() {
		if !committed {
			Revert(actor, backup)
		}
	}()

	if err = mutate(); err != nil {
		return err
	}

	committed = true
	return nil
}
