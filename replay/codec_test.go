package replay

import (
	"testing"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/replaycache/provider"
	"github.com/meigma/replaycache/replay/internal/wire"
)

func roundTrip(t *testing.T, env *envelope) envelope {
	t.Helper()
	frame := encode(flatbuffers.NewBuilder(0), env)
	got, err := decode(append([]byte(nil), frame...))
	require.NoError(t, err)
	return got
}

func TestCodec_ResourceRequest(t *testing.T) {
	t.Parallel()

	reqs := []provider.Request{{ID: "sha256:aa", Size: 10}, {ID: "", Size: 0}, {ID: "b", Size: 1 << 20}}
	env, err := resourceRequestEnvelope(reqs)
	require.NoError(t, err)

	decoded := roundTrip(t, env)
	msg, err := decoded.message()
	require.NoError(t, err)
	assert.Equal(t, KindResourceRequest, msg.Kind)
	assert.Equal(t, reqs, msg.Resources)

	_, err = resourceRequestEnvelope([]provider.Request{{ID: "neg", Size: -1}})
	assert.Error(t, err)
}

func TestCodec_CrashDumpIsCompressed(t *testing.T) {
	t.Parallel()

	body := make([]byte, 4096)
	env, err := crashDumpEnvelope("core", body)
	require.NoError(t, err)
	assert.Equal(t, wire.EncodingZstd, env.encoding)
	assert.Less(t, len(env.data), len(body))

	decoded := roundTrip(t, env)
	msg, err := decoded.message()
	require.NoError(t, err)
	assert.Equal(t, body, msg.CrashDump.Data)
	assert.Equal(t, "core", msg.CrashDump.Path)

	decoded.data = []byte("not zstd")
	_, err = decoded.message()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCodec_PostDataValidation(t *testing.T) {
	t.Parallel()

	env, err := postDataEnvelope([]Post{{ID: 1, Data: []byte("abc")}, {ID: 2, Data: []byte("de")}})
	require.NoError(t, err)
	decoded := roundTrip(t, env)

	posts, err := decoded.posts()
	require.NoError(t, err)
	assert.Equal(t, []Post{{ID: 1, Data: []byte("abc")}, {ID: 2, Data: []byte("de")}}, posts)

	short := decoded
	short.data = short.data[:4]
	_, err = short.posts()
	assert.ErrorIs(t, err, ErrMalformed)

	long := decoded
	long.data = append(append([]byte(nil), long.data...), 'x')
	_, err = long.posts()
	assert.ErrorIs(t, err, ErrMalformed)

	skewed := decoded
	skewed.sizes = skewed.sizes[:1]
	_, err = skewed.posts()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCodec_RejectsHostKindsFromReplayer(t *testing.T) {
	t.Parallel()

	decoded := roundTrip(t, &envelope{kind: wire.KindResources, data: []byte("x")})
	_, err := decoded.message()
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	for name, frame := range map[string][]byte{
		"empty":         nil,
		"short":         {1, 2},
		"root overflow": {0xff, 0xff, 0xff, 0x7f, 0, 0, 0, 0},
	} {
		_, err := decode(frame)
		assert.ErrorIs(t, err, ErrMalformed, name)
	}
}
