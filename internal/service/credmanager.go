package service

import (
	"time"

	"github.com/northlane-systems/seedauth/internal/jwk"
)

// MigrationWindow is the quorum/timeout deadline for an OVK rotation:
// 3 minutes from the first update message for a given username.
const MigrationWindow = 3 * time.Minute

// Clock abstracts wall-clock time so migration-timeout tests can inject a
// virtual clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// OVKM is the record a Service keeps to trust an OVK for one user:
// {ovk_jwk, r, mac}.
type OVKM struct {
	OVKPub jwk.Public
	R      []byte
	MAC    []byte
}

// CredRecord is one registered credential plus the OVK it is currently
// bound to.
type CredRecord struct {
	CredPub jwk.Public
	OVK     jwk.Public
}

// candidate is a migration-candidate OVKM plus bookkeeping the public
// getCreds view never exposes.
type candidate struct {
	ovkm        OVKM
	firstSeenAt time.Time
}

type migrationState struct {
	candidates []candidate
	startAt    time.Time
}

// CredManager is the per-user server-side state: the ordered credential
// list, the currently trusted OVKM, and (while rotating) the set of
// next-OVK candidates under consideration.
type CredManager struct {
	clock  Clock
	window time.Duration
	creds  []CredRecord
	ovkm   OVKM
	next   *migrationState
}

func newCredManager(clock Clock, window time.Duration, credPub jwk.Public, ovkm OVKM) *CredManager {
	if window <= 0 {
		window = MigrationWindow
	}
	return &CredManager{
		clock:  clock,
		window: window,
		creds:  []CredRecord{{CredPub: credPub, OVK: ovkm.OVKPub}},
		ovkm:   ovkm,
	}
}

// Add appends a new credential bound to the currently trusted OVK. Fails
// (returns false) if a migration is in progress.
func (cm *CredManager) Add(credPub jwk.Public) bool {
	if cm.next != nil {
		return false
	}
	cm.creds = append(cm.creds, CredRecord{CredPub: credPub, OVK: cm.ovkm.OVKPub})
	return true
}

// AddUpdating rebinds credPub to the candidate OVK ovkNext and folds
// ovkNext into the migration candidate set, committing it immediately if
// quorum is reached.
func (cm *CredManager) AddUpdating(credPub jwk.Public, next OVKM) bool {
	idx := -1
	for i, c := range cm.creds {
		if jwk.Equal(c.CredPub, credPub) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	now := cm.clock.Now()
	cm.creds[idx].OVK = next.OVKPub

	if cm.next == nil {
		cm.next = &migrationState{startAt: now}
	}

	found := false
	for _, c := range cm.next.candidates {
		if jwk.Equal(c.ovkm.OVKPub, next.OVKPub) {
			found = true
			break
		}
	}
	if !found {
		cm.next.candidates = append(cm.next.candidates, candidate{ovkm: next, firstSeenAt: now})
	}

	total := len(cm.creds)
	nextCnt := cm.countBoundTo(next.OVKPub)
	if nextCnt > total/2 {
		cm.commit(next)
	}
	return true
}

func (cm *CredManager) countBoundTo(ovk jwk.Public) int {
	n := 0
	for _, c := range cm.creds {
		if jwk.Equal(c.OVK, ovk) {
			n++
		}
	}
	return n
}

func (cm *CredManager) commit(ovkm OVKM) {
	kept := make([]CredRecord, 0, len(cm.creds))
	for _, c := range cm.creds {
		if jwk.Equal(c.OVK, ovkm.OVKPub) {
			kept = append(kept, c)
		}
	}
	cm.creds = kept
	cm.ovkm = ovkm
	cm.next = nil
}

// IsUpdating folds the time-out resolution into the call: if a migration
// is in progress and still inside the window, true; if the window has
// elapsed, resolve it (by max-count, tie-broken by earliest first-seen)
// and return false.
func (cm *CredManager) IsUpdating() bool {
	if cm.next == nil {
		return false
	}
	if cm.clock.Now().Sub(cm.next.startAt) <= cm.window {
		return true
	}
	cm.resolveTimeout()
	return false
}

// resolveTimeout picks the winning OVK among the posted migration
// candidates: most bound credentials wins, ties broken by earliest
// first-seen. The original (status-quo) OVK does not compete as a
// candidate in its own right; see DESIGN.md for the worked scenario this
// resolves against.
func (cm *CredManager) resolveTimeout() {
	type tally struct {
		ovkm        OVKM
		count       int
		firstSeenAt time.Time
	}

	tallies := make([]*tally, len(cm.next.candidates))
	for i, c := range cm.next.candidates {
		tallies[i] = &tally{ovkm: c.ovkm, firstSeenAt: c.firstSeenAt}
	}
	for _, c := range cm.creds {
		for _, t := range tallies {
			if jwk.Equal(c.OVK, t.ovkm.OVKPub) {
				t.count++
			}
		}
	}

	best := tallies[0]
	for _, t := range tallies[1:] {
		if t.count > best.count {
			best = t
			continue
		}
		if t.count == best.count && t.firstSeenAt.Before(best.firstSeenAt) {
			best = t
		}
	}

	cm.commit(best.ovkm)
}

// CredsView is the public shape GetCreds returns: the credential list,
// currently trusted OVKM, and (only while a migration is in progress)
// the candidate list stripped of its internal timing field.
type CredsView struct {
	Creds []CredRecord
	OVKM  OVKM
	Next  []OVKM
}

// GetCreds returns the current public view, resolving any timed-out
// migration first via IsUpdating.
func (cm *CredManager) GetCreds() CredsView {
	updating := cm.IsUpdating()
	view := CredsView{Creds: append([]CredRecord{}, cm.creds...), OVKM: cm.ovkm}
	if updating {
		for _, c := range cm.next.candidates {
			view.Next = append(view.Next, c.ovkm)
		}
	}
	return view
}
