package rpcserver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

func TestBytesRoundTrip(t *testing.T) {
	original := Bytes("hello nexus")

	encoded, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"__type__":"bytes"`)

	var decoded Bytes
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, original, decoded)
}

func TestBytesUnmarshalRejectsWrongType(t *testing.T) {
	var b Bytes
	err := json.Unmarshal([]byte(`{"__type__":"not-bytes","data":"aGk="}`), &b)
	assert.Error(t, err)
}

func TestToResponseErrorSanitizesInternal(t *testing.T) {
	err := nexuserrors.Wrap(nexuserrors.Internal, assertError("disk on fire"), "write content")
	re := toResponseError(err)
	assert.Equal(t, -32603, re.Code)
	assert.Equal(t, "internal error", re.Message)
}

func TestToResponseErrorMapsKnownKinds(t *testing.T) {
	cases := []struct {
		kind nexuserrors.Kind
		code int
	}{
		{nexuserrors.PermissionDenied, -32002},
		{nexuserrors.NotFound, -32003},
		{nexuserrors.Conflict, -32006},
	}
	for _, tc := range cases {
		re := toResponseError(nexuserrors.New(tc.kind, "boom"))
		assert.Equal(t, tc.code, re.Code)
		assert.Equal(t, "boom", re.Message)
	}
}

func TestToResponseErrorCarriesDeniedDetail(t *testing.T) {
	err := nexuserrors.Denied("user:alice", "write", "file:/secret")
	re := toResponseError(err)
	assert.Equal(t, -32002, re.Code)
	assert.NotEmpty(t, re.Data)
}

type assertErrorString string

func (e assertErrorString) Error() string { return string(e) }

func assertError(msg string) error { return assertErrorString(msg) }
