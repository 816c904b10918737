package encoding

import (
	"testing"
	"time"

	"github.com/civicworks/changefeed/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() *realtime.ChangeEvent {
	return &realtime.ChangeEvent{
		Type:       realtime.EventUpdate,
		Schema:     "public",
		Table:      "documents",
		New:        realtime.Record{"id": int64(42), "title": "Site plan", "owner_id": int64(7)},
		Old:        realtime.Record{"id": int64(42), "title": "Draft", "owner_id": int64(7)},
		CommitTime: time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", Format{ContentType: ContentTypeJSON}, false},
		{"json", Format{ContentType: ContentTypeJSON}, false},
		{"MSGPACK", Format{ContentType: ContentTypeMsgpack}, false},
		{"msgpack+zstd", Format{ContentType: ContentTypeMsgpack, Compress: true}, false},
		{"json+gzip", Format{}, true},
		{"avro", Format{}, true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseFormat(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedContent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEncodeDecode_AllFormats(t *testing.T) {
	for _, name := range []string{"json", "json+zstd", "msgpack", "msgpack+zstd"} {
		t.Run(name, func(t *testing.T) {
			f, err := ParseFormat(name)
			require.NoError(t, err)

			data, err := EncodeEvent(sampleEvent(), f)
			require.NoError(t, err)

			ev, err := DecodeEvent(data, f.ContentType, f.ContentEncoding())
			require.NoError(t, err)

			assert.Equal(t, realtime.EventUpdate, ev.Type)
			assert.Equal(t, "documents", ev.Table)
			assert.Equal(t, "Site plan", ev.New["title"])
			assert.Equal(t, "Draft", ev.Old["title"])
			assert.True(t, ev.CommitTime.Equal(sampleEvent().CommitTime))
		})
	}
}

func TestDecodeEvent_JSONPayload(t *testing.T) {
	payload := `{"type":"insert","table":"permits","new":{"id":3,"status":"open"}}`

	ev, err := DecodeEvent([]byte(payload), "application/json; charset=utf-8", "")
	require.NoError(t, err)
	assert.Equal(t, realtime.EventInsert, ev.Type)
	assert.Equal(t, realtime.DefaultSchema, ev.Schema)
	assert.Equal(t, float64(3), ev.New["id"])
	assert.Nil(t, ev.Old)
}

func TestDecodeEvent_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		ctype    string
		encoding string
	}{
		{"unknown content type", `{}`, "text/xml", ""},
		{"unknown encoding", `{"type":"INSERT","table":"t"}`, "", "br"},
		{"corrupt zstd", `not zstd`, "", "zstd"},
		{"bad json", `{"type":`, "", ""},
		{"missing type", `{"table":"permits"}`, "", ""},
		{"wildcard type", `{"type":"*","table":"permits"}`, "", ""},
		{"missing table", `{"type":"DELETE"}`, "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tc.payload), tc.ctype, tc.encoding)
			assert.Error(t, err)
		})
	}
}

func TestEncodeEvent_Nil(t *testing.T) {
	_, err := EncodeEvent(nil, Format{})
	assert.Error(t, err)
}

func TestEncodeEvent_CompressionShrinksRepetitivePayloads(t *testing.T) {
	ev := sampleEvent()
	big := make([]byte, 0, 8192)
	for len(big) < 8000 {
		big = append(big, "permit inspection scheduled "...)
	}
	ev.New["notes"] = string(big)

	plain, err := EncodeEvent(ev, Format{ContentType: ContentTypeJSON})
	require.NoError(t, err)
	packed, err := EncodeEvent(ev, Format{ContentType: ContentTypeJSON, Compress: true})
	require.NoError(t, err)
	assert.Less(t, len(packed), len(plain))
}

func TestFormat_Headers(t *testing.T) {
	assert.Equal(t, map[string]string{HeaderContentType: ContentTypeJSON}, Format{}.Headers())
	assert.Equal(t, map[string]string{
		HeaderContentType:     ContentTypeMsgpack,
		HeaderContentEncoding: ContentEncodingZstd,
	}, Format{ContentType: ContentTypeMsgpack, Compress: true}.Headers())
}

func TestEncodeValue_RoundTripsThroughDecompression(t *testing.T) {
	f := Format{ContentType: ContentTypeMsgpack, Compress: true}
	data, err := EncodeValue(map[string]any{"op": "c"}, f)
	require.NoError(t, err)

	plain, err := zstdDecoder.DecodeAll(data, nil)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, Unmarshal(plain, &out))
	assert.Equal(t, "c", out["op"])
}
