package encoding

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/civicworks/changefeed/realtime"
	"github.com/klauspost/compress/zstd"
)

// Content types understood by transports and produced by relay sinks
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"

	// ContentEncodingZstd marks a zstd-compressed payload
	ContentEncodingZstd = "zstd"
)

// Header names carrying the content type and encoding on NATS and Kafka messages
const (
	HeaderContentType     = "Content-Type"
	HeaderContentEncoding = "Content-Encoding"
)

// ErrUnsupportedContent is returned for unknown content types or encodings
var ErrUnsupportedContent = errors.New("unsupported content")

// zstdEncoder and zstdDecoder are shared; EncodeAll and DecodeAll are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic(fmt.Sprintf("encoding: zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic(fmt.Sprintf("encoding: zstd decoder: %v", err))
	}
}

// Format selects the serialization of an outbound event
type Format struct {
	ContentType string
	Compress    bool
}

// ParseFormat maps a configured format name ("json", "msgpack", optionally
// suffixed with "+zstd") to a Format. Empty means JSON.
func ParseFormat(name string) (Format, error) {
	base, compression, _ := strings.Cut(strings.ToLower(strings.TrimSpace(name)), "+")

	var f Format
	switch base {
	case "", "json":
		f.ContentType = ContentTypeJSON
	case "msgpack":
		f.ContentType = ContentTypeMsgpack
	default:
		return Format{}, fmt.Errorf("%w: format %q", ErrUnsupportedContent, name)
	}

	switch compression {
	case "":
	case ContentEncodingZstd:
		f.Compress = true
	default:
		return Format{}, fmt.Errorf("%w: compression %q", ErrUnsupportedContent, compression)
	}
	return f, nil
}

// ContentEncoding returns the header value for f, empty when uncompressed
func (f Format) ContentEncoding() string {
	if f.Compress {
		return ContentEncodingZstd
	}
	return ""
}

// EncodeEvent serializes ev in format f
func EncodeEvent(ev *realtime.ChangeEvent, f Format) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("encoding: nil event")
	}
	return EncodeValue(ev, f)
}

// EncodeValue serializes any value in format f. Relay envelopes other than
// the native event shape go through here.
func EncodeValue(v any, f Format) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch f.ContentType {
	case "", ContentTypeJSON:
		data, err = json.Marshal(v)
	case ContentTypeMsgpack:
		data, err = Marshal(v)
	default:
		return nil, fmt.Errorf("%w: content type %q", ErrUnsupportedContent, f.ContentType)
	}
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}

	if f.Compress {
		data = zstdEncoder.EncodeAll(data, nil)
	}
	return data, nil
}

// Headers returns the content headers describing payloads in format f
func (f Format) Headers() map[string]string {
	ct := f.ContentType
	if ct == "" {
		ct = ContentTypeJSON
	}
	h := map[string]string{HeaderContentType: ct}
	if enc := f.ContentEncoding(); enc != "" {
		h[HeaderContentEncoding] = enc
	}
	return h
}

// DecodeEvent parses an inbound payload. An empty content type is treated
// as JSON; contentEncoding is either empty or "zstd".
func DecodeEvent(data []byte, contentType, contentEncoding string) (*realtime.ChangeEvent, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
	case ContentEncodingZstd:
		plain, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress event: %w", err)
		}
		data = plain
	default:
		return nil, fmt.Errorf("%w: encoding %q", ErrUnsupportedContent, contentEncoding)
	}

	// Strip parameters such as "; charset=utf-8"
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	ev := &realtime.ChangeEvent{}
	switch mediaType {
	case "", ContentTypeJSON:
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, fmt.Errorf("decode json event: %w", err)
		}
	case ContentTypeMsgpack, "application/x-msgpack":
		if err := Unmarshal(data, ev); err != nil {
			return nil, fmt.Errorf("decode msgpack event: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: content type %q", ErrUnsupportedContent, contentType)
	}

	if err := normalize(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// normalize validates a decoded event and upper-cases its type
func normalize(ev *realtime.ChangeEvent) error {
	t, err := realtime.ParseEventType(string(ev.Type))
	if err != nil || t == realtime.EventAll {
		return fmt.Errorf("decode event: invalid type %q", ev.Type)
	}
	ev.Type = t
	if ev.Table == "" {
		return errors.New("decode event: missing table")
	}
	if ev.Schema == "" {
		ev.Schema = realtime.DefaultSchema
	}
	return nil
}
