package encoding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshal_StringPreservation(t *testing.T) {
	in := map[string]interface{}{
		"id":      int64(42),
		"title":   "hello",
		"is_read": false,
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out map[string]interface{}
	err = Unmarshal(data, &out)
	require.NoError(t, err)

	// Loose decoding must give back a Go string, not []byte
	title, ok := out["title"].(string)
	require.True(t, ok, "expected string, got %T", out["title"])
	require.Equal(t, "hello", title)
	require.Equal(t, false, out["is_read"])
}

func TestMarshalFrame_SmallPayloadRaw(t *testing.T) {
	data, err := MarshalFrame(map[string]interface{}{"id": int64(1)})
	require.NoError(t, err)
	require.Equal(t, byte(frameRaw), data[0])

	var out map[string]interface{}
	require.NoError(t, UnmarshalFrame(data, &out))
	require.Equal(t, int64(1), out["id"])
}

func TestMarshalFrame_LargePayloadCompressed(t *testing.T) {
	body := strings.Repeat("the quick brown fox ", 100)
	data, err := MarshalFrame(map[string]interface{}{"body": body})
	require.NoError(t, err)
	require.Equal(t, byte(frameS2), data[0])
	require.Less(t, len(data), len(body), "compressible payload should shrink")

	var out map[string]interface{}
	require.NoError(t, UnmarshalFrame(data, &out))
	require.Equal(t, body, out["body"])
}

func TestUnmarshalFrame_Errors(t *testing.T) {
	var out map[string]interface{}
	require.Error(t, UnmarshalFrame(nil, &out))
	require.Error(t, UnmarshalFrame([]byte{0x7f, 0x01}, &out))
}
