// Package wire implements the length-delimited, line-oriented JSON codec
// used both between peer sites and between a site and its coffee makers
// (spec.md §4.9 component C9, wire shapes in spec.md §6).
//
// The Message interface and the type-registry/ReadMessage/WriteMessage
// trio are grounded on lnwire/message.go's Message interface and
// makeEmptyMessage dispatch table, adapted from a 2-byte-type-prefixed
// binary frame to a newline-terminated JSON object per line — the framing
// style itself is grounded on dwarri-gazette's message/json_framing.go
// (json.NewEncoder(bw).Encode / bufio-delimited Unpack).
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/go-errors/errors"
)

// Kind identifies the wire shape of a ServerMessage or MakerMessage.
type Kind string

// Peer-to-peer (server<->server) message kinds, spec.md §6.
const (
	KindJoin      Kind = "Join"
	KindClose     Kind = "Close"
	KindToken     Kind = "Token"
	KindMaybeLost Kind = "MaybeLost"
)

// Maker<->server request/response type discriminators, spec.md §6.
const (
	TypeAddPoints          = "AddPoints"
	TypeRequestPoints       = "RequestPoints"
	TypeTakePoints          = "TakePoints"
	TypeCancelPointsRequest = "CancelPointsRequest"
)

// UnknownMessageError reports a frame whose "kind" field didn't match any
// known ServerMessage shape. Mirrors lnwire.UnknownMessage: forwards
// compatible callers can choose to skip it instead of treating the link as
// broken, though the ring receiver in this system treats it as a
// SerializationError (spec.md §7) since peer sites are expected to run
// matching versions.
type UnknownMessageError struct {
	Kind string
}

// Error implements error.
func (u *UnknownMessageError) Error() string {
	return fmt.Sprintf("unable to parse server message of unknown kind: %q", u.Kind)
}

// AccountAction mirrors account.Action for the wire, spec.md §6 Token.data
// entries: {"kind":"Credit"|"SpendCommit","id":u,"pts":u,"ts":u128}.
type AccountAction struct {
	Kind string `json:"kind"`
	ID   uint64 `json:"id"`
	Pts  uint64 `json:"pts"`
	Ts   uint64 `json:"ts"`
}

// AccountChange is one entry of a Join message's catch-up diff, spec.md §6
// Join.changes: {"id":u,"amount":u,"ts":u128}.
type AccountChange struct {
	ID     uint64 `json:"id"`
	Amount uint64 `json:"amount"`
	Ts     uint64 `json:"ts"`
}

// ServerMessage is the sum type for every server<->server frame. Only the
// fields relevant to Kind are populated; this mirrors the single wire shape
// used by dwarri-gazette's JSONFraming (one json.Marshal-able struct per
// line) rather than lnwire's per-type Go struct, because every spec.md §6
// server message shares the same discriminator-plus-optional-fields shape
// and splitting it into four Go types would just duplicate the (un)marshal
// boilerplate without adding type safety the Kind switch doesn't already
// give.
type ServerMessage struct {
	Kind Kind `json:"kind"`

	Sender uint64   `json:"sender"`
	Path   []uint64 `json:"path,omitempty"`

	// Join-only.
	LastUpdate uint64          `json:"last_update,omitempty"`
	Changes    []AccountChange `json:"changes,omitempty"`

	// Token-only. Keyed by originator site id; JSON object keys are
	// always strings, so the map key here is the decimal site id.
	Data map[string][]AccountAction `json:"data,omitempty"`

	// MaybeLost-only.
	Lost uint64 `json:"lost,omitempty"`
}

// NewJoin builds a Join message (spec.md §6).
func NewJoin(sender uint64, lastUpdate uint64, changes []AccountChange) *ServerMessage {
	return &ServerMessage{Kind: KindJoin, Sender: sender, LastUpdate: lastUpdate, Changes: changes}
}

// NewClose builds a Close message.
func NewClose(sender uint64) *ServerMessage {
	return &ServerMessage{Kind: KindClose, Sender: sender}
}

// NewToken builds a Token message.
func NewToken(sender uint64, path []uint64, data map[string][]AccountAction) *ServerMessage {
	return &ServerMessage{Kind: KindToken, Sender: sender, Path: path, Data: data}
}

// NewMaybeLost builds a MaybeLost probe message.
func NewMaybeLost(sender uint64, path []uint64, lost uint64) *ServerMessage {
	return &ServerMessage{Kind: KindMaybeLost, Sender: sender, Path: path, Lost: lost}
}

// WithPath returns a copy of m with path appended to — used by every ring
// hop that forwards a Join/MaybeLost message, spec.md §4.6/§4.7 "add my_id
// to path and forward".
func (m *ServerMessage) WithPath(id uint64) *ServerMessage {
	cp := *m
	cp.Path = append(append([]uint64{}, m.Path...), id)
	return &cp
}

// InPath reports whether id already appears in m's path, i.e. this message
// already passed through that site once (spec.md §4.6 "my_id ∈ path").
func (m *ServerMessage) InPath(id uint64) bool {
	for _, p := range m.Path {
		if p == id {
			return true
		}
	}
	return false
}

// WriteMessage writes one ServerMessage as a single line of JSON terminated
// by '\n'. Grounded on lnwire.WriteMessage's responsibility (encode +
// length-bound the payload before writing) but newline-delimited rather than
// length-prefixed, per spec.md §4.9 ("length-delimited line-or-frame codec").
func WriteMessage(w *bufio.Writer, msg *ServerMessage) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(msg); err != nil {
		return err
	}
	return w.Flush()
}

// ReadMessage reads one newline-delimited JSON line and parses it into a
// ServerMessage. Grounded on lnwire.ReadMessage's read-type-then-decode
// shape; here the "type" is simply the "kind" field inline in the JSON
// rather than a 2-byte prefix, so there's no separate length read.
func ReadMessage(r *bufio.Reader) (*ServerMessage, error) {
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}

	var msg ServerMessage
	if decErr := json.Unmarshal(line, &msg); decErr != nil {
		// Wrapped with a stack trace (go-errors/errors, the same
		// library peer.go reaches for at its own codec boundary) so a
		// SerializationError's log line points at the call site that
		// hit the bad frame, not just json's generic message.
		return nil, errors.Wrap(decErr, 1)
	}

	switch msg.Kind {
	case KindJoin, KindClose, KindToken, KindMaybeLost:
		return &msg, nil
	default:
		return nil, &UnknownMessageError{Kind: string(msg.Kind)}
	}
}
