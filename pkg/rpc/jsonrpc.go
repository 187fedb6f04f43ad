package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/gorilla/rpc/v2/json2"
)

const Version = "2.0"

var errInvalidID = errors.New("id must be a string, number or null")

// ID identifies a request or a subscription. It is a string, a number or
// null (the zero value) and can be used as a map key.
type ID struct {
	raw string
	str bool
}

func IntID(n int64) ID {
	return ID{raw: strconv.FormatInt(n, 10)}
}

func StringID(s string) ID {
	return ID{raw: s, str: true}
}

func (id ID) IsNull() bool {
	return !id.str && id.raw == ""
}

func (id ID) IsString() bool {
	return id.str
}

func (id ID) String() string {
	if id.IsNull() {
		return "null"
	}

	return id.raw
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case id.str:
		return json.Marshal(id.raw)
	case id.raw == "":
		return []byte("null"), nil
	default:
		return []byte(id.raw), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	switch {
	case len(data) == 0:
		return errInvalidID
	case bytes.Equal(data, []byte("null")):
		*id = ID{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		*id = StringID(s)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errInvalidID
	}

	raw, err := canonicalNumber(n)
	if err != nil {
		return err
	}

	*id = ID{raw: raw}

	return nil
}

// canonicalNumber keys numeric ids by value, so 1, 1.0 and 1e0 are the same
// id. Integer literals keep their text and never lose precision.
func canonicalNumber(n json.Number) (string, error) {
	text := n.String()

	if !strings.ContainsAny(text, ".eE") {
		if text == "-0" {
			return "0", nil
		}

		return text, nil
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return "", errInvalidID
	}

	if f == 0 {
		return "0", nil
	}

	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// Request is a single call on the wire. Params is always encoded as an array.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      ID     `json:"id"`
	Params  []any  `json:"params"`
}

func NewRequest(id ID, method string, params []any) *Request {
	if params == nil {
		params = []any{}
	}

	return &Request{
		JSONRPC: Version,
		Method:  method,
		ID:      id,
		Params:  params,
	}
}

func (r *Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Error is the error object of a failed call.
type Error = json2.Error

// Kind tags the variant held by a Response.
type Kind uint8

const (
	KindMalformed Kind = iota
	KindOK
	KindError
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindError:
		return "error"
	case KindMessage:
		return "message"
	default:
		return "malformed"
	}
}

// Response is a classified inbound frame. ID is set for KindOK and KindError,
// SubscriptionID for KindMessage. Result carries the value of KindOK and
// KindMessage, Error the object of KindError.
type Response struct {
	Kind           Kind
	ID             ID
	SubscriptionID ID
	Result         json.RawMessage
	Error          *Error
}

func malformed() *Response {
	return &Response{Kind: KindMalformed}
}

// Decode classifies a raw frame. It never fails: anything that is not one of
// the known shapes comes back as KindMalformed.
func Decode(data []byte) *Response {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil || envelope == nil {
		return malformed()
	}

	var version string
	if err := json.Unmarshal(envelope["jsonrpc"], &version); err != nil || version != Version {
		return malformed()
	}

	if raw, ok := envelope["params"]; ok {
		var params map[string]json.RawMessage
		if json.Unmarshal(raw, &params) == nil {
			sub, hasSub := params["subscription"]
			result, hasResult := params["result"]

			if hasSub && hasResult {
				var id ID
				if err := json.Unmarshal(sub, &id); err != nil || id.IsNull() {
					return malformed()
				}

				return &Response{Kind: KindMessage, SubscriptionID: id, Result: result}
			}
		}
	}

	rawID, ok := envelope["id"]
	if !ok {
		return malformed()
	}

	var id ID
	if err := json.Unmarshal(rawID, &id); err != nil {
		return malformed()
	}

	result, hasResult := envelope["result"]
	rawErr, hasErr := envelope["error"]

	switch {
	case hasResult && !hasErr:
		return &Response{Kind: KindOK, ID: id, Result: result}
	case hasErr && !hasResult:
		rpcErr, ok := decodeError(rawErr)
		if !ok {
			return malformed()
		}

		return &Response{Kind: KindError, ID: id, Error: rpcErr}
	}

	return malformed()
}

// DecodeValue classifies a frame that was already parsed or built in memory.
func DecodeValue(v any) *Response {
	switch value := v.(type) {
	case []byte:
		return Decode(value)
	case json.RawMessage:
		return Decode(value)
	case string:
		return Decode([]byte(value))
	}

	data, err := json.Marshal(v)
	if err != nil {
		return malformed()
	}

	return Decode(data)
}

func decodeError(raw json.RawMessage) (*Error, bool) {
	var obj struct {
		Code    json.RawMessage `json:"code"`
		Message json.RawMessage `json:"message"`
		Data    any             `json:"data"`
	}

	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}

	if len(obj.Code) == 0 || bytes.Equal(obj.Code, []byte("null")) {
		return nil, false
	}

	var code int
	if err := json.Unmarshal(obj.Code, &code); err != nil {
		return nil, false
	}

	if len(obj.Message) == 0 || obj.Message[0] != '"' {
		return nil, false
	}

	var message string
	if err := json.Unmarshal(obj.Message, &message); err != nil {
		return nil, false
	}

	return &Error{Code: json2.ErrorCode(code), Message: message, Data: obj.Data}, true
}
