package wire

import (
	"bufio"
	"encoding/json"
)

// MakerRequest is one frame a coffee maker sends to its home site, spec.md
// §6: {"type":"AddPoints"|"RequestPoints"|"TakePoints"|"CancelPointsRequest",
// "account":u, "points":u}.
type MakerRequest struct {
	Type    string `json:"type"`
	Account uint64 `json:"account"`
	Points  uint64 `json:"points"`
}

// MakerErr is the closed set of error strings a maker can see back, spec.md
// §6/§7.
type MakerErr string

// The error values a MakerResponse.Status can carry, spec.md §6.
const (
	ErrNotEnoughPoints MakerErr = "NotEnoughPoints"
	ErrAccountNotFound MakerErr = "AccountNotFound"
	ErrAlreadyReserved MakerErr = "AlreadyReserved"
	ErrConnectionLost  MakerErr = "ConnectionLost"
	ErrUnexpected      MakerErr = "Unexpected"
)

// MakerResponse is one frame sent back to a coffee maker, spec.md §6:
// {"type":<echo>, "status":"Ok" | {"Err":"..."}}.
//
// The wire shape distinguishes "Ok" (a bare JSON string) from an error (a
// JSON object with one "Err" key) the way a Rust enum would serialize with
// serde's default representation; MarshalJSON/UnmarshalJSON below reproduce
// that shape explicitly since Go has no enum-with-payload type to lean on.
type MakerResponse struct {
	Type string
	// Err is empty for a successful response.
	Err MakerErr
}

type makerErrEnvelope struct {
	Err MakerErr `json:"Err"`
}

// OkResponse builds a successful MakerResponse echoing the request type.
func OkResponse(reqType string) MakerResponse {
	return MakerResponse{Type: reqType}
}

// ErrResponse builds a failed MakerResponse echoing the request type.
func ErrResponse(reqType string, e MakerErr) MakerResponse {
	return MakerResponse{Type: reqType, Err: e}
}

// MarshalJSON implements the {"type":..,"status":"Ok"|{"Err":".."}} shape.
func (m MakerResponse) MarshalJSON() ([]byte, error) {
	var status interface{} = "Ok"
	if m.Err != "" {
		status = makerErrEnvelope{Err: m.Err}
	}
	return json.Marshal(struct {
		Type   string      `json:"type"`
		Status interface{} `json:"status"`
	}{Type: m.Type, Status: status})
}

// UnmarshalJSON implements the inverse of MarshalJSON.
func (m *MakerResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type   string          `json:"type"`
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Type = raw.Type

	var asString string
	if err := json.Unmarshal(raw.Status, &asString); err == nil {
		m.Err = ""
		return nil
	}

	var env makerErrEnvelope
	if err := json.Unmarshal(raw.Status, &env); err != nil {
		return err
	}
	m.Err = env.Err
	return nil
}

// WriteMakerFrame writes one newline-delimited JSON request or response.
func WriteMakerFrame(w *bufio.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return w.Flush()
}

// ReadMakerRequest reads one newline-delimited MakerRequest frame.
func ReadMakerRequest(r *bufio.Reader) (*MakerRequest, error) {
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	var req MakerRequest
	if jerr := json.Unmarshal(line, &req); jerr != nil {
		return nil, jerr
	}
	return &req, nil
}
