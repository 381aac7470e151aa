package server

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// codec frames the messages of one websocket connection.
type codec interface {
	Name() string
	// FrameType is the websocket message type written for every message.
	FrameType() int
	Marshal(v interface{}) ([]byte, error)
	// DecodeEnvelope splits an inbound frame into its type and a function
	// that decodes the payload into v.
	DecodeEnvelope(data []byte) (string, func(v interface{}) error, error)
}

func codecFor(name string) (codec, error) {
	switch name {
	case "", "json":
		return jsonCodec{}, nil
	case "msgpack":
		return msgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

type jsonCodec struct{}

func (jsonCodec) Name() string   { return "json" }
func (jsonCodec) FrameType() int { return websocket.TextMessage }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) DecodeEnvelope(data []byte) (string, func(v interface{}) error, error) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, err
	}
	return env.Type, func(v interface{}) error {
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return nil
		}
		return json.Unmarshal(env.Data, v)
	}, nil
}

const msgpackNil = 0xc0

// msgpackCodec falls back to json tags so every payload has the same field
// names on both codecs.
type msgpackCodec struct{}

func (msgpackCodec) Name() string   { return "msgpack" }
func (msgpackCodec) FrameType() int { return websocket.BinaryMessage }

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func msgpackUnmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (msgpackCodec) DecodeEnvelope(data []byte) (string, func(v interface{}) error, error) {
	var env struct {
		Type string             `msgpack:"type"`
		Data msgpack.RawMessage `msgpack:"data"`
	}
	if err := msgpackUnmarshal(data, &env); err != nil {
		return "", nil, err
	}
	return env.Type, func(v interface{}) error {
		if len(env.Data) == 0 || (len(env.Data) == 1 && env.Data[0] == msgpackNil) {
			return nil
		}
		return msgpackUnmarshal(env.Data, v)
	}, nil
}
