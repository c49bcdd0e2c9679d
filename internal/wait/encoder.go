package wait

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dgnsrekt/realplexor/internal/storage"
)

// jsonPart is the browser-facing shape of one delivered part.
type jsonPart struct {
	IDs  map[string]uint64 `json:"ids"`
	Data json.RawMessage   `json:"data"`
}

func toJSONPart(p storage.Part) (jsonPart, error) {
	ids := make(map[string]uint64, len(p.IDs))
	for _, pair := range p.IDs {
		ids[pair.ID] = uint64(pair.Cursor)
	}

	raw := p.Data.Bytes()
	if !json.Valid(raw) {
		quoted, err := json.Marshal(string(raw))
		if err != nil {
			return jsonPart{}, fmt.Errorf("quote payload: %w", err)
		}
		raw = quoted
	}
	return jsonPart{IDs: ids, Data: raw}, nil
}

// EncodeJSON renders parts as [{"ids":{"id":cursor},"data":...}].
// Payloads that are valid JSON are embedded as is, anything else
// becomes a JSON string.
func EncodeJSON(parts []storage.Part) ([]byte, error) {
	out := make([]jsonPart, 0, len(parts))
	for _, p := range parts {
		jp, err := toJSONPart(p)
		if err != nil {
			return nil, err
		}
		out = append(out, jp)
	}
	return json.Marshal(out)
}

// EncodePartJSON renders a single part as a JSON object.
func EncodePartJSON(p storage.Part) ([]byte, error) {
	jp, err := toJSONPart(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jp)
}

// Field numbers of the binary frame:
//
//	message Frame  { repeated Part parts = 1; }
//	message Part   { repeated Cursor ids = 1; bytes data = 2; }
//	message Cursor { string id = 1; uint64 cursor = 2; }
const (
	fieldFrameParts   protowire.Number = 1
	fieldPartIDs      protowire.Number = 1
	fieldPartData     protowire.Number = 2
	fieldCursorID     protowire.Number = 1
	fieldCursorCursor protowire.Number = 2
)

// Encoder converts parts to wire format (Protobuf + Zstd).
type Encoder struct {
	zstdEncoder *zstd.Encoder
}

// NewEncoder creates a new Encoder with Zstd compression.
func NewEncoder() (*Encoder, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Encoder{zstdEncoder: enc}, nil
}

// EncodeProto serializes parts as a Frame and compresses it.
func (e *Encoder) EncodeProto(parts []storage.Part) []byte {
	var frame []byte
	for _, p := range parts {
		var part []byte
		for _, pair := range p.IDs {
			var c []byte
			c = protowire.AppendTag(c, fieldCursorID, protowire.BytesType)
			c = protowire.AppendString(c, pair.ID)
			c = protowire.AppendTag(c, fieldCursorCursor, protowire.VarintType)
			c = protowire.AppendVarint(c, uint64(pair.Cursor))

			part = protowire.AppendTag(part, fieldPartIDs, protowire.BytesType)
			part = protowire.AppendBytes(part, c)
		}
		part = protowire.AppendTag(part, fieldPartData, protowire.BytesType)
		part = protowire.AppendBytes(part, p.Data.Bytes())

		frame = protowire.AppendTag(frame, fieldFrameParts, protowire.BytesType)
		frame = protowire.AppendBytes(frame, part)
	}

	return e.zstdEncoder.EncodeAll(frame, nil)
}

// Close releases encoder resources.
func (e *Encoder) Close() {
	if e.zstdEncoder != nil {
		e.zstdEncoder.Close()
	}
}
