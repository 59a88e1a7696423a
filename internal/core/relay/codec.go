package relay

import (
	"encoding/json"

	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"

	"github.com/pulsegate/pulsegate/internal/core/event"
)

// Wire framing: one leading byte selects the encoding of the JSON frame
// that follows. Raw JSON below the compression threshold, snappy above.
const (
	encodingRaw    byte = 0x00
	encodingSnappy byte = 0x01
)

var (
	ErrEmptyFrame      = errors.New("relay: empty frame")
	ErrUnknownEncoding = errors.New("relay: unknown frame encoding")
)

// frame is one relayed envelope with enough routing context for the
// receiving node to re-dispatch it locally.
type frame struct {
	Origin   string          `json:"origin"`
	Target   string          `json:"target"`
	Envelope *event.Envelope `json:"envelope"`
}

func encodeFrame(f frame, compressThreshold int) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "relay: encode frame")
	}

	if compressThreshold > 0 && len(body) >= compressThreshold {
		compressed := snappy.Encode(nil, body)
		out := make([]byte, 0, len(compressed)+1)
		out = append(out, encodingSnappy)
		return append(out, compressed...), nil
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, encodingRaw)
	return append(out, body...), nil
}

func decodeFrame(data []byte) (frame, error) {
	if len(data) < 2 {
		return frame{}, ErrEmptyFrame
	}

	var body []byte
	switch data[0] {
	case encodingRaw:
		body = data[1:]
	case encodingSnappy:
		decoded, err := snappy.Decode(nil, data[1:])
		if err != nil {
			return frame{}, errors.Wrap(err, "relay: snappy decode")
		}
		body = decoded
	default:
		return frame{}, ErrUnknownEncoding
	}

	var f frame
	if err := json.Unmarshal(body, &f); err != nil {
		return frame{}, errors.Wrap(err, "relay: decode frame")
	}
	return f, nil
}
