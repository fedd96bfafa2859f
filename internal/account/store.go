// Package account implements the replicated per-account balance store
// described in spec.md §3/§4.1 (component C1). Accounts are kept purely
// in-memory, keyed by account id, and mutated under last-writer-wins
// timestamp ordering so that the same sequence of remote updates can be
// replayed at any site and converge to the same state.
//
// The map/mutex shape and sentinel-error style follow channeldb/error.go
// and channeldb/graph.go's in-memory index conventions from the teacher,
// adapted from a bolt-backed graph to a pure in-memory balance table.
package account

import (
	"fmt"
	"sync"

	"github.com/coffeenet/coffeed/internal/clockutil"
)

// Sentinel errors returned by Store operations. Mirrors the style of
// channeldb's package-level Err* vars: plain, lowercase, no wrapping.
var (
	ErrNotFound       = fmt.Errorf("account not found")
	ErrNotEnoughPoints = fmt.Errorf("not enough points")
	ErrAlreadyReserved = fmt.Errorf("account already reserved")
)

// ActionKind distinguishes the two externally-observable mutations that ride
// on the token, spec.md §3 "Token (ring-level)".
type ActionKind uint8

const (
	// ActionCredit adds points to an account.
	ActionCredit ActionKind = iota
	// ActionSpendCommit subtracts points previously reserved.
	ActionSpendCommit
)

// String implements fmt.Stringer for log messages.
func (k ActionKind) String() string {
	switch k {
	case ActionCredit:
		return "Credit"
	case ActionSpendCommit:
		return "SpendCommit"
	default:
		return "Unknown"
	}
}

// Action is one entry of a token's per-originator action list
// (TokenData = map<site, []Action> in spec.md §3).
type Action struct {
	Kind      ActionKind
	AccountID uint64
	Points    uint64
	TsNanos   uint64
}

// Account is the replicated record for one loyalty account (spec.md §3).
type Account struct {
	ID            uint64
	Balance       uint64
	Reserved      bool
	LastUpdatedNs uint64
}

// Updated is the projection returned by SnapshotSince — just enough to
// replay a remote site's missed updates during Join catch-up (spec.md §4.1).
type Updated struct {
	ID            uint64
	Balance       uint64
	LastUpdatedNs uint64
}

// Store is the thread-safe in-memory account table (C1). The zero value is
// not usable; construct with New.
type Store struct {
	mu       sync.Mutex
	accounts map[uint64]*Account
	clock    clockutil.Clock
	lastTs   uint64
}

// New creates an empty Store using the given clock source for timestamps
// assigned when a caller doesn't supply one explicitly.
func New(clock clockutil.Clock) *Store {
	return &Store{
		accounts: make(map[uint64]*Account),
		clock:    clock,
	}
}

// nextTs returns a timestamp strictly greater than every timestamp this
// store has ever assigned or observed, bumping by one nanosecond when the
// clock hasn't visibly advanced. Must be called with mu held.
func (s *Store) nextTs() uint64 {
	now := s.clock.NowNanos()
	if now <= s.lastTs {
		now = s.lastTs + 1
	}
	s.lastTs = now
	return now
}

// observeTs records a timestamp seen on an incoming remote update so that
// later locally-assigned timestamps stay strictly ahead of it. Must be
// called with mu held.
func (s *Store) observeTs(ts uint64) {
	if ts > s.lastTs {
		s.lastTs = ts
	}
}

// Credit adds points to an account, creating it if absent (spec.md §4.1
// "credit"). If ts is nil, a fresh strictly-monotonic timestamp is assigned
// and returned. If ts is non-nil (a remote replay), the mutation is applied
// only when it is newer than the account's last_updated_ns; an older or
// equal ts is a silent no-op — the authoritative action already happened in
// a later view. Credit never fails.
func (s *Store) Credit(id uint64, points uint64, ts *uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		assigned := s.resolveTs(ts)
		s.accounts[id] = &Account{
			ID:            id,
			Balance:       points,
			LastUpdatedNs: assigned,
		}
		return assigned
	}

	assigned := s.resolveTs(ts)
	if ts != nil && *ts <= acct.LastUpdatedNs {
		// Stale remote replay: already superseded, no-op.
		log.Tracef("dropping stale credit for account %d at ts %d (have %d)",
			id, *ts, acct.LastUpdatedNs)
		return acct.LastUpdatedNs
	}

	acct.Balance += points
	acct.LastUpdatedNs = assigned
	return assigned
}

// resolveTs returns the timestamp to use for a mutation: ts itself if given
// (after recording it so future local assignments stay ahead), else a fresh
// locally-assigned one. Must be called with mu held.
func (s *Store) resolveTs(ts *uint64) uint64 {
	if ts == nil {
		return s.nextTs()
	}
	s.observeTs(*ts)
	return *ts
}

// Reserve sets the reservation flag on an account as a lease for an
// in-flight spend (spec.md §4.1 "reserve"). It never mutates balance or
// timestamp — reservations are local-only, never replicated.
func (s *Store) Reserve(id uint64, points uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	if acct.Reserved {
		return ErrAlreadyReserved
	}
	if acct.Balance < points {
		return ErrNotEnoughPoints
	}
	acct.Reserved = true
	return nil
}

// CancelReserve clears the reservation flag. Idempotent; returns
// ErrNotFound for an unknown id (spec.md §4.1 "cancel_reserve").
func (s *Store) CancelReserve(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acct.Reserved = false
	return nil
}

// CommitSpend subtracts points from a reserved (or unreserved) account and
// clears its reservation flag (spec.md §4.1 "commit_spend"). If ts is nil a
// fresh timestamp is assigned; if the account's balance is insufficient,
// ErrNotEnoughPoints is returned and nothing changes. A remote replay whose
// ts doesn't exceed last_updated_ns is a no-op that still reports success —
// it's how token replays of an already-applied commit behave.
func (s *Store) CommitSpend(id uint64, points uint64, ts *uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return 0, ErrNotFound
	}

	if ts != nil && *ts <= acct.LastUpdatedNs {
		return acct.LastUpdatedNs, nil
	}
	if acct.Balance < points {
		log.Debugf("commit_spend denied for account %d: want %d, have %d",
			id, points, acct.Balance)
		return 0, ErrNotEnoughPoints
	}

	assigned := s.resolveTs(ts)
	acct.Balance -= points
	acct.Reserved = false
	acct.LastUpdatedNs = assigned
	return assigned, nil
}

// ApplySnapshot sets an account's balance to an absolute value carried by a
// Join catch-up diff entry (spec.md §4.6/§4.7 "apply every update in the
// accompanying diff"), creating the account if absent. Like Credit's remote
// path, a ts that doesn't exceed the account's last_updated_ns is a
// no-op — the local view is already at least as new.
func (s *Store) ApplySnapshot(id uint64, balance uint64, ts uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		s.observeTs(ts)
		s.accounts[id] = &Account{ID: id, Balance: balance, LastUpdatedNs: ts}
		return
	}
	if ts <= acct.LastUpdatedNs {
		return
	}
	s.observeTs(ts)
	acct.Balance = balance
	acct.LastUpdatedNs = ts
}

// ApplyRemote dispatches a replicated Action by kind, carrying its ts
// (spec.md §4.1 "apply_remote"). SpendCommit actions whose account is
// absent are dropped — a credit from the same originator always appears
// earlier in ring order than any spend that depends on it, but if it
// genuinely can't be found there is nothing sane to subtract from.
func (s *Store) ApplyRemote(a Action) {
	ts := a.TsNanos
	switch a.Kind {
	case ActionCredit:
		s.Credit(a.AccountID, a.Points, &ts)
	case ActionSpendCommit:
		// Best-effort: a stale or missing account is not an error at
		// this layer; the result is discarded and nothing is logged.
		_, _ = s.CommitSpend(a.AccountID, a.Points, &ts)
	}
}

// SnapshotSince returns every account whose last_updated_ns exceeds ts, used
// to build the diff a rejoining site catches up on (spec.md §4.1
// "snapshot_since", spec.md §4.7 Join handling).
func (s *Store) SnapshotSince(ts uint64) []Updated {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Updated, 0)
	for _, acct := range s.accounts {
		if acct.LastUpdatedNs > ts {
			out = append(out, Updated{
				ID:            acct.ID,
				Balance:       acct.Balance,
				LastUpdatedNs: acct.LastUpdatedNs,
			})
		}
	}
	return out
}

// MaxUpdateTs returns the highest last_updated_ns across all accounts, or 0
// if the store is empty (spec.md §4.1 "max_update_ts").
func (s *Store) MaxUpdateTs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTs
}

// ClearAllReservations clears every account's reserved flag. Used by the
// orders manager (C5) after a spend-phase timeout abandons in-flight
// reservations (spec.md §4.1 "clear_all_reservations").
func (s *Store) ClearAllReservations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		acct.Reserved = false
	}
}

// Get returns a copy of the account for read-only inspection (used by
// tests).
// The second return is false if the account doesn't exist.
func (s *Store) Get(id uint64) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *acct, true
}
