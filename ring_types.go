package main

import (
	"strconv"

	"github.com/coffeenet/coffeed/internal/account"
	"github.com/coffeenet/coffeed/internal/wire"
)

// tokenData is the in-memory form of spec.md §3's
// "TokenData = map<originator_site_id, list<AccountAction>>". The wire
// form keys by decimal string (JSON object keys are always strings); this
// type keys by the site id directly since every in-process consumer (C5,
// C6, C7) wants to index by site id as a number.
type tokenData map[uint64][]account.Action

// toWire converts a tokenData to the map[string][]wire.AccountAction shape
// spec.md §6's Token frame uses on the wire.
func (t tokenData) toWire() map[string][]wire.AccountAction {
	out := make(map[string][]wire.AccountAction, len(t))
	for site, actions := range t {
		wa := make([]wire.AccountAction, 0, len(actions))
		for _, a := range actions {
			wa = append(wa, wire.AccountAction{
				Kind: a.Kind.String(),
				ID:   a.AccountID,
				Pts:  a.Points,
				Ts:   a.TsNanos,
			})
		}
		out[strconv.FormatUint(site, 10)] = wa
	}
	return out
}

// tokenDataFromWire converts the wire.ServerMessage.Data map back into a
// tokenData, ready for lookups keyed by site id.
func tokenDataFromWire(in map[string][]wire.AccountAction) (tokenData, error) {
	out := make(tokenData, len(in))
	for siteStr, actions := range in {
		site, err := strconv.ParseUint(siteStr, 10, 64)
		if err != nil {
			return nil, err
		}
		acts := make([]account.Action, 0, len(actions))
		for _, a := range actions {
			kind := account.ActionCredit
			if a.Kind == account.ActionSpendCommit.String() {
				kind = account.ActionSpendCommit
			}
			acts = append(acts, account.Action{
				Kind:      kind,
				AccountID: a.ID,
				Points:    a.Pts,
				TsNanos:   a.Ts,
			})
		}
		out[site] = acts
	}
	return out, nil
}

// clone returns a shallow copy of t with independent per-site slices, so a
// caller can mutate its own copy (e.g. delete a key) without racing a
// concurrent reader of the original.
func (t tokenData) clone() tokenData {
	out := make(tokenData, len(t))
	for k, v := range t {
		cp := make([]account.Action, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// spendOutcomeKind distinguishes the two possible replies a maker can send
// after a successful Reserve, spec.md §4.5 step 3.
type spendOutcomeKind uint8

const (
	spendCommit spendOutcomeKind = iota
	spendCancel
)

// spendOutcome is what C4 forwards to C5 for a CommitSpend/CancelSpend
// request (spec.md §4.4 table, §4.5 step 3).
type spendOutcome struct {
	kind      spendOutcomeKind
	accountID uint64
	points    uint64
}

// tokenArrival is what C6 hands to C5 once it has applied every remote
// action embedded in an incoming Token and removed this site's own prior
// entry (spec.md §4.6 "Token(data)").
type tokenArrival struct {
	data tokenData
}

// makerEnvelope pairs a decoded maker request with the id of the maker
// connection it arrived on, the unit C3 hands to C4 over the shared
// request channel (spec.md §4.3/§4.4).
type makerEnvelope struct {
	req     wire.MakerRequest
	makerID uint64
}
