// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package bulkupload

import (
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/fastjson"
)

var (
	// Sorted keys keep document bodies stable across runs.
	bodyJSON = jsoniter.ConfigCompatibleWithStandardLibrary

	errNilRecord = errors.New("record is nil")
)

// Action is an encoded bulk index action: the action metadata line followed
// by the document source line.
type Action struct {
	DocumentID string
	Header     []byte
	Body       []byte
}

// Len returns the number of bytes written by WriteTo.
func (a Action) Len() int {
	return len(a.Header) + len(a.Body) + 2
}

// WriteTo writes the newline-terminated header and body lines to w.
func (a Action) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for _, line := range [][]byte{a.Header, a.Body} {
		n, err := w.Write(line)
		written += int64(n)
		if err != nil {
			return written, err
		}
		n, err = w.Write([]byte{'\n'})
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (a Action) String() string {
	return string(a.Header) + "\n" + string(a.Body) + "\n"
}

// EncodingError is returned when a value cannot be encoded as a bulk action.
type EncodingError struct {
	Value any
	Err   error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("cannot encode %T as bulk action: %v", e.Value, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// EncodeAction encodes rec as an index action targeting index.
//
// The "_routing" key is only present in the header when the record reports a
// routing key. Fields with a nil value are encoded as null.
func EncodeAction(index string, rec Record) (action Action, err error) {
	if rec == nil {
		return Action{}, &EncodingError{Value: rec, Err: errNilRecord}
	}
	// Record implementations are user code; a panic while extracting
	// fields fails this record only.
	defer func() {
		if r := recover(); r != nil {
			action = Action{}
			err = &EncodingError{Value: rec, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	fields, err := rec.Fields()
	if err != nil {
		return Action{}, &EncodingError{Value: rec, Err: err}
	}
	if fields == nil {
		fields = Fields{}
	}
	body, err := bodyJSON.Marshal(fields)
	if err != nil {
		return Action{}, &EncodingError{Value: rec, Err: err}
	}

	id := rec.DocumentID()
	var w fastjson.Writer
	w.RawString(`{"index":{"_index":`)
	w.String(index)
	w.RawString(`,"_id":`)
	w.String(id)
	if routing, ok := rec.Routing(); ok {
		w.RawString(`,"_routing":`)
		w.String(routing)
	}
	w.RawString("}}")

	return Action{
		DocumentID: id,
		Header:     w.Bytes(),
		Body:       body,
	}, nil
}

// MustEncodeAction is like EncodeAction but panics if rec cannot be encoded.
func MustEncodeAction(index string, rec Record) Action {
	action, err := EncodeAction(index, rec)
	if err != nil {
		panic(err)
	}
	return action
}
