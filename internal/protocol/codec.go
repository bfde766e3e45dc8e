package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Encoder writes one framed value per call.
type Encoder interface {
	Encode(v any) error
}

// Decoder reads one framed value per call.
type Decoder interface {
	Decode(v any) error
}

// Codec frames messages on the worker channel.
type Codec interface {
	Name() string
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

var (
	// JSON frames messages as newline-delimited JSON.
	JSON Codec = jsonCodec{}
	// CBOR frames messages as a stream of deterministic CBOR items.
	CBOR Codec = newCBORCodec()
)

// CodecByName returns the codec registered under name. An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unsupported codec: %q (must be 'json' or 'cbor')", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) NewEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

func (jsonCodec) NewDecoder(r io.Reader) Decoder {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields() // Strict parsing
	return decoder
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (c cborCodec) Name() string { return "cbor" }

func (c cborCodec) NewEncoder(w io.Writer) Encoder {
	return c.enc.NewEncoder(w)
}

func (c cborCodec) NewDecoder(r io.Reader) Decoder {
	return c.dec.NewDecoder(r)
}

// EncodeInbound validates msg and writes it to enc.
func EncodeInbound(enc Encoder, msg *Inbound) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return nil
}

// DecodeInbound reads and validates the next host → worker message.
// io.EOF is returned unwrapped when the stream ends cleanly.
func DecodeInbound(dec Decoder) (*Inbound, error) {
	var msg Inbound
	if err := dec.Decode(&msg); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EncodeOutbound validates msg and writes it to enc.
func EncodeOutbound(enc Encoder, msg *Outbound) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return nil
}

// DecodeOutbound reads and validates the next worker → host message.
// io.EOF is returned unwrapped when the stream ends cleanly.
func DecodeOutbound(dec Decoder) (*Outbound, error) {
	var msg Outbound
	if err := dec.Decode(&msg); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
