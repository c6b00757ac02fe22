package kvtab

import (
	"bytes"
	"fmt"
	"reflect"

	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
	"go.mongodb.org/mongo-driver/bson"
)

// Serializer selects how record payloads are encoded. The serializer used
// for each record is stored in its value header, so records written with one
// serializer stay readable after Options.Serializer changes.
type Serializer int

const (
	MsgPack Serializer = iota
	JSON
	BSON

	defaultSerializer = MsgPack
	maxSerializer     = BSON
)

func (s Serializer) String() string {
	switch s {
	case MsgPack:
		return "msgpack"
	case JSON:
		return "json"
	case BSON:
		return "bson"
	default:
		return fmt.Sprintf("serializer%d", int(s))
	}
}

func (s Serializer) EncodeValue(buf []byte, objVal reflect.Value) ([]byte, error) {
	switch s {
	case MsgPack:
		bb := bytesBuilder{buf}
		enc := msgpack.GetEncoder()
		enc.ResetDict(&bb, nil)
		enc.SetSortMapKeys(true)
		err := enc.EncodeValue(objVal)
		msgpack.PutEncoder(enc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %v using MsgPack: %w", objVal.Type(), err)
		}
		return bb.Buf, nil
	case JSON:
		raw, err := json.Marshal(objVal.Interface())
		if err != nil {
			return nil, fmt.Errorf("failed to encode %v to JSON: %w", objVal.Type(), err)
		}
		return appendRaw(buf, raw), nil
	case BSON:
		raw, err := bson.MarshalAppend(buf, objVal.Interface())
		if err != nil {
			return nil, fmt.Errorf("failed to encode %v to BSON: %w", objVal.Type(), err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported serializer %v", s)
	}
}

func (s Serializer) DecodeValue(buf []byte, objPtrVal reflect.Value) error {
	switch s {
	case MsgPack:
		var r bytes.Reader
		r.Reset(buf)
		dec := msgpack.GetDecoder()
		dec.ResetDict(&r, nil)
		err := dec.DecodeValue(objPtrVal)
		msgpack.PutDecoder(dec)
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode msgpack into %v", objPtrVal.Type())
		}
		return nil
	case JSON:
		err := json.Unmarshal(buf, objPtrVal.Interface())
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode JSON into %v", objPtrVal.Type())
		}
		return nil
	case BSON:
		err := bson.Unmarshal(buf, objPtrVal.Interface())
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode BSON into %v", objPtrVal.Type())
		}
		return nil
	default:
		return dataErrf(buf, 0, nil, "unsupported serializer %d", int(s))
	}
}
