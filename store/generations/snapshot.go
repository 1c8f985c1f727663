package generations

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// CompressionThreshold is the minimum body size before compression is considered.
	CompressionThreshold = 2048

	// MaxBodySize caps a decoded snapshot body.
	MaxBodySize = 64 * 1024 * 1024
)

// ErrCorrupted is returned when a stored snapshot cannot be decoded.
var ErrCorrupted = errors.New("generations: corrupted snapshot")

// Snapshot field numbers in the protobuf wire encoding.
const (
	fieldMethod   protowire.Number = 1
	fieldURL      protowire.Number = 2
	fieldStatus   protowire.Number = 3
	fieldHeader   protowire.Number = 4
	fieldBody     protowire.Number = 5
	fieldStoredAt protowire.Number = 6
	fieldEncoding protowire.Number = 7

	headerKey   protowire.Number = 1
	headerValue protowire.Number = 2
)

const (
	encodingIdentity = 0
	encodingZstd     = 1
)

// hopHeaders are not stored in snapshots.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// Snapshot is a stored copy of a response for one request.
type Snapshot struct {
	Method   string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// NewSnapshot captures a response whose body has already been read.
func NewSnapshot(req *http.Request, status int, header http.Header, body []byte) *Snapshot {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
	return &Snapshot{
		Method: req.Method,
		URL:    NormalizeURL(req.URL),
		Status: status,
		Header: h,
		Body:   body,
	}
}

// Response builds a fresh *http.Response serving the snapshot body.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	h := s.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Codec encodes snapshots with optional zstd compression of the body.
// Encoder and decoder are goroutine-safe and reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec creates a codec with a shared zstd encoder/decoder pair.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBodySize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases the codec resources.
func (c *Codec) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

// Encode serializes a snapshot.
func (c *Codec) Encode(s *Snapshot) []byte {
	body := s.Body
	encoding := encodingIdentity
	if len(body) >= CompressionThreshold {
		compressed := c.encoder.EncodeAll(body, make([]byte, 0, len(body)/2))
		if len(compressed) < len(body) {
			body = compressed
			encoding = encodingZstd
		}
	}

	var b []byte
	b = protowire.AppendTag(b, fieldMethod, protowire.BytesType)
	b = protowire.AppendString(b, s.Method)
	b = protowire.AppendTag(b, fieldURL, protowire.BytesType)
	b = protowire.AppendString(b, s.URL)
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Status)) //nolint:gosec // HTTP status codes are positive
	for name, values := range s.Header {
		for _, v := range values {
			var kv []byte
			kv = protowire.AppendTag(kv, headerKey, protowire.BytesType)
			kv = protowire.AppendString(kv, name)
			kv = protowire.AppendTag(kv, headerValue, protowire.BytesType)
			kv = protowire.AppendString(kv, v)
			b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
			b = protowire.AppendBytes(b, kv)
		}
	}
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	b = protowire.AppendTag(b, fieldStoredAt, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(s.StoredAt.UnixNano()))
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(encoding))
	return b
}

// Decode parses a snapshot produced by Encode.
func (c *Codec) Decode(data []byte) (*Snapshot, error) {
	s := &Snapshot{Header: http.Header{}}
	var body []byte
	encoding := uint64(encodingIdentity)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldMethod && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: method", ErrCorrupted)
			}
			s.Method, data = v, data[n:]
		case num == fieldURL && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: url", ErrCorrupted)
			}
			s.URL, data = v, data[n:]
		case num == fieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: status", ErrCorrupted)
			}
			s.Status, data = int(v), data[n:] //nolint:gosec // bounded by what Encode wrote
		case num == fieldHeader && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: header", ErrCorrupted)
			}
			name, value, err := decodeHeader(v)
			if err != nil {
				return nil, err
			}
			s.Header.Add(name, value)
			data = data[n:]
		case num == fieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: body", ErrCorrupted)
			}
			body, data = v, data[n:]
		case num == fieldStoredAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: stored_at", ErrCorrupted)
			}
			s.StoredAt, data = time.Unix(0, protowire.DecodeZigZag(v)).UTC(), data[n:]
		case num == fieldEncoding && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: encoding", ErrCorrupted)
			}
			encoding, data = v, data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d", ErrCorrupted, num)
			}
			data = data[n:]
		}
	}

	switch encoding {
	case encodingIdentity:
		s.Body = bytes.Clone(body)
	case encodingZstd:
		decoded, err := c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing body: %v", ErrCorrupted, err)
		}
		s.Body = decoded
	default:
		return nil, fmt.Errorf("%w: unknown encoding %d", ErrCorrupted, encoding)
	}
	return s, nil
}

func decodeHeader(data []byte) (name, value string, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", "", fmt.Errorf("%w: header tag", ErrCorrupted)
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", "", fmt.Errorf("%w: header field", ErrCorrupted)
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeString(data)
		if n < 0 {
			return "", "", fmt.Errorf("%w: header value", ErrCorrupted)
		}
		data = data[n:]
		switch num {
		case headerKey:
			name = v
		case headerValue:
			value = v
		}
	}
	return name, value, nil
}
