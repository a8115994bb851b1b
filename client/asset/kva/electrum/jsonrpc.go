// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package electrum

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// CodeInvalidRequest is the JSON-RPC error code ElectrumX returns, among other
// things, when a batch response would exceed the server's size limit. Such
// batch entries may succeed when requested individually.
const CodeInvalidRequest = -32600

type request struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"` // [] for positional args or {} for named args, no bare types
	ID      uint64          `json:"id"`
}

// RPCError represents a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e RPCError) Error() string {
	return fmt.Sprintf("code %d: %q", e.Code, e.Message)
}

// UnmarshalJSON accepts both error objects and the bare error strings some
// servers send.
func (e *RPCError) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		e.Code = 0
		return json.Unmarshal(b, &e.Message)
	}
	type rpcError RPCError
	return json.Unmarshal(b, (*rpcError)(e))
}

type response struct {
	// The "jsonrpc" field is ignored. Method is set only for notifications.
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// ntfnData is the payload of a notification, which is in the params field of a
// request object.
type ntfnData struct {
	Params json.RawMessage `json:"params"`
}

type positional []any

// floatString unmarshals a float that some servers send as a string, such as
// "0.00001", as well as a bare number.
type floatString float64

func (fs *floatString) UnmarshalJSON(b []byte) error {
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		num = json.Number(str)
	}
	fl, err := strconv.ParseFloat(string(num), 64)
	if err != nil {
		return err
	}
	*fs = floatString(fl)
	return nil
}

// marshalParams encodes args as a JSON array or object. args may be positional
// (a slice), named (a struct or pointer to struct), or nil.
func marshalParams(args any) (json.RawMessage, error) {
	// nil args should marshal as [] instead of null.
	if args == nil {
		return json.RawMessage("[]"), nil
	}
	switch rt := reflect.TypeOf(args); rt.Kind() {
	case reflect.Struct, reflect.Slice:
	case reflect.Ptr: // allow pointer to struct
		if rt.Elem().Kind() != reflect.Struct {
			return nil, fmt.Errorf("invalid arg type %v, must be slice or struct", rt)
		}
	default:
		return nil, fmt.Errorf("invalid arg type %v, must be slice or struct", rt)
	}
	return json.Marshal(args)
}

func newRequest(id uint64, method string, args any) (*request, error) {
	params, err := marshalParams(args)
	if err != nil {
		return nil, err
	}
	return &request{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}, nil
}

// prepareRequest serializes a single request. The caller appends the message
// delimiter.
func prepareRequest(id uint64, method string, args any) ([]byte, error) {
	req, err := newRequest(id, method, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

// BatchRequest is one entry of a batch request. Args follows the rules of
// (*ServerConn).Request.
type BatchRequest struct {
	Method string
	Args   any
}

// BatchResponse is the server's reply to one entry of a batch request. Exactly
// one of Result and Error is set.
type BatchResponse struct {
	Result json.RawMessage
	Error  *RPCError
}

// Unmarshal decodes the result into v, or returns the entry's error.
func (br *BatchResponse) Unmarshal(v any) error {
	if br.Error != nil {
		return br.Error
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(br.Result, v)
}
