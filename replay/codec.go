package replay

import (
	"fmt"
	"math"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/replaycache/provider"
	"github.com/meigma/replaycache/replay/internal/wire"
)

// maxCrashDumpSize bounds the decompressed size of a crash dump.
const maxCrashDumpSize = 64 << 20

var (
	crashEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	})
	crashDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxCrashDumpSize))
	})
)

// envelope is the decoded form of wire.Envelope.
type envelope struct {
	kind         wire.Kind
	ids          []string
	sizes        []uint32
	data         []byte
	constants    []byte
	text         string
	stackSize    uint32
	volatileSize uint32
	id           uint64
	severity     uint32
	apiIndex     uint32
	label        uint64
	postIDs      []uint64
	encoding     wire.Encoding
}

// encode serializes env into b. The returned slice aliases b and is valid
// until b is reset.
func encode(b *flatbuffers.Builder, env *envelope) []byte {
	b.Reset()

	var idsOffset flatbuffers.UOffsetT
	if len(env.ids) > 0 {
		strs := make([]flatbuffers.UOffsetT, len(env.ids))
		for i := len(env.ids) - 1; i >= 0; i-- {
			strs[i] = b.CreateString(env.ids[i])
		}
		wire.EnvelopeStartIdsVector(b, len(strs))
		for i := len(strs) - 1; i >= 0; i-- {
			b.PrependUOffsetT(strs[i])
		}
		idsOffset = b.EndVector(len(strs))
	}

	var sizesOffset flatbuffers.UOffsetT
	if len(env.sizes) > 0 {
		wire.EnvelopeStartSizesVector(b, len(env.sizes))
		for i := len(env.sizes) - 1; i >= 0; i-- {
			b.PrependUint32(env.sizes[i])
		}
		sizesOffset = b.EndVector(len(env.sizes))
	}

	var postOffset flatbuffers.UOffsetT
	if len(env.postIDs) > 0 {
		wire.EnvelopeStartPostIdsVector(b, len(env.postIDs))
		for i := len(env.postIDs) - 1; i >= 0; i-- {
			b.PrependUint64(env.postIDs[i])
		}
		postOffset = b.EndVector(len(env.postIDs))
	}

	var dataOffset, constantsOffset, textOffset flatbuffers.UOffsetT
	if len(env.data) > 0 {
		dataOffset = b.CreateByteVector(env.data)
	}
	if len(env.constants) > 0 {
		constantsOffset = b.CreateByteVector(env.constants)
	}
	if env.text != "" {
		textOffset = b.CreateString(env.text)
	}

	wire.EnvelopeStart(b)
	wire.EnvelopeAddKind(b, env.kind)
	if idsOffset != 0 {
		wire.EnvelopeAddIds(b, idsOffset)
	}
	if sizesOffset != 0 {
		wire.EnvelopeAddSizes(b, sizesOffset)
	}
	if dataOffset != 0 {
		wire.EnvelopeAddData(b, dataOffset)
	}
	if constantsOffset != 0 {
		wire.EnvelopeAddConstants(b, constantsOffset)
	}
	if textOffset != 0 {
		wire.EnvelopeAddText(b, textOffset)
	}
	wire.EnvelopeAddStackSize(b, env.stackSize)
	wire.EnvelopeAddVolatileSize(b, env.volatileSize)
	wire.EnvelopeAddId(b, env.id)
	wire.EnvelopeAddSeverity(b, env.severity)
	wire.EnvelopeAddApiIndex(b, env.apiIndex)
	wire.EnvelopeAddLabel(b, env.label)
	if postOffset != 0 {
		wire.EnvelopeAddPostIds(b, postOffset)
	}
	wire.EnvelopeAddEncoding(b, env.encoding)
	wire.FinishEnvelopeBuffer(b, wire.EnvelopeEnd(b))
	return b.FinishedBytes()
}

// decode parses a frame. Byte fields alias frame.
func decode(frame []byte) (env envelope, err error) {
	if len(frame) < flatbuffers.SizeUOffsetT {
		return envelope{}, fmt.Errorf("%w: %d byte frame", ErrMalformed, len(frame))
	}
	// The generated accessors index without bounds checks of their own.
	defer func() {
		if r := recover(); r != nil {
			env = envelope{}
			err = fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	root := wire.GetRootAsEnvelope(frame, 0)
	env.kind = root.Kind()
	if n := root.IdsLength(); n > 0 {
		env.ids = make([]string, n)
		for i := range n {
			env.ids[i] = string(root.Ids(i))
		}
	}
	if n := root.SizesLength(); n > 0 {
		env.sizes = make([]uint32, n)
		for i := range n {
			env.sizes[i] = root.Sizes(i)
		}
	}
	if n := root.PostIdsLength(); n > 0 {
		env.postIDs = make([]uint64, n)
		for i := range n {
			env.postIDs[i] = root.PostIds(i)
		}
	}
	env.data = root.DataBytes()
	env.constants = root.ConstantsBytes()
	env.text = string(root.Text())
	env.stackSize = root.StackSize()
	env.volatileSize = root.VolatileSize()
	env.id = root.Id()
	env.severity = root.Severity()
	env.apiIndex = root.ApiIndex()
	env.label = root.Label()
	env.encoding = root.Encoding()
	return env, nil
}

func resourceRequestEnvelope(reqs []provider.Request) (*envelope, error) {
	env := &envelope{
		kind:  wire.KindResourceRequest,
		ids:   make([]string, len(reqs)),
		sizes: make([]uint32, len(reqs)),
	}
	for i, r := range reqs {
		if r.Size < 0 || uint64(r.Size) > math.MaxUint32 {
			return nil, fmt.Errorf("resource %q: size %d does not fit the wire format", r.ID, r.Size)
		}
		env.ids[i] = r.ID
		env.sizes[i] = uint32(r.Size)
	}
	return env, nil
}

func crashDumpEnvelope(path string, data []byte) (*envelope, error) {
	enc, err := crashEncoder()
	if err != nil {
		return nil, fmt.Errorf("crash dump encoder: %w", err)
	}
	return &envelope{
		kind:     wire.KindCrashDump,
		text:     path,
		data:     enc.EncodeAll(data, nil),
		encoding: wire.EncodingZstd,
	}, nil
}

func postDataEnvelope(posts []Post) (*envelope, error) {
	env := &envelope{
		kind:    wire.KindPostData,
		postIDs: make([]uint64, len(posts)),
		sizes:   make([]uint32, len(posts)),
	}
	var total int
	for i, p := range posts {
		if uint64(len(p.Data)) > math.MaxUint32 {
			return nil, fmt.Errorf("post %d: %d bytes do not fit the wire format", p.ID, len(p.Data))
		}
		env.postIDs[i] = p.ID
		env.sizes[i] = uint32(len(p.Data))
		total += len(p.Data)
	}
	env.data = make([]byte, 0, total)
	for _, p := range posts {
		env.data = append(env.data, p.Data...)
	}
	return env, nil
}

func notificationEnvelope(n *Notification) *envelope {
	return &envelope{
		kind:     wire.KindNotification,
		id:       n.ID,
		severity: uint32(n.Severity),
		apiIndex: n.APIIndex,
		label:    n.Label,
		text:     n.Message,
		data:     n.Data,
	}
}

func payloadEnvelope(p *Payload) *envelope {
	env := &envelope{
		kind:         wire.KindPayload,
		stackSize:    p.StackSize,
		volatileSize: p.VolatileMemorySize,
		constants:    p.Constants,
		data:         p.Opcodes,
		ids:          make([]string, len(p.Resources)),
		sizes:        make([]uint32, len(p.Resources)),
	}
	for i, r := range p.Resources {
		env.ids[i] = r.ID
		env.sizes[i] = r.Size
	}
	return env
}

// message converts a replayer-to-host envelope.
func (env *envelope) message() (Message, error) {
	msg := Message{Kind: Kind(env.kind)}
	switch env.kind {
	case wire.KindPayloadRequest, wire.KindReplayFinished:
	case wire.KindResourceRequest:
		if len(env.ids) != len(env.sizes) {
			return Message{}, fmt.Errorf("%w: %d ids, %d sizes", ErrMalformed, len(env.ids), len(env.sizes))
		}
		msg.Resources = make([]provider.Request, len(env.ids))
		for i, id := range env.ids {
			msg.Resources[i] = provider.Request{ID: id, Size: int(env.sizes[i])}
		}
	case wire.KindCrashDump:
		data, err := env.body()
		if err != nil {
			return Message{}, err
		}
		msg.CrashDump = &CrashDump{Path: env.text, Data: data}
	case wire.KindPostData:
		posts, err := env.posts()
		if err != nil {
			return Message{}, err
		}
		msg.Posts = posts
	case wire.KindNotification:
		msg.Notification = &Notification{
			ID:       env.id,
			Severity: Severity(env.severity),
			APIIndex: env.apiIndex,
			Label:    env.label,
			Message:  env.text,
			Data:     env.data,
		}
	default:
		return Message{}, fmt.Errorf("%w: %s from replayer", ErrUnexpectedMessage, env.kind)
	}
	return msg, nil
}

func (env *envelope) body() ([]byte, error) {
	switch env.encoding {
	case wire.EncodingIdentity:
		return env.data, nil
	case wire.EncodingZstd:
		dec, err := crashDecoder()
		if err != nil {
			return nil, fmt.Errorf("crash dump decoder: %w", err)
		}
		data, err := dec.DecodeAll(env.data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: crash dump body: %w", ErrMalformed, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: encoding %s", ErrMalformed, env.encoding)
	}
}

func (env *envelope) posts() ([]Post, error) {
	if len(env.postIDs) != len(env.sizes) {
		return nil, fmt.Errorf("%w: %d post ids, %d sizes", ErrMalformed, len(env.postIDs), len(env.sizes))
	}
	posts := make([]Post, len(env.postIDs))
	off := 0
	for i, id := range env.postIDs {
		end := off + int(env.sizes[i])
		if end > len(env.data) {
			return nil, fmt.Errorf("%w: post %d overruns data", ErrMalformed, id)
		}
		posts[i] = Post{ID: id, Data: env.data[off:end:end]}
		off = end
	}
	if off != len(env.data) {
		return nil, fmt.Errorf("%w: %d trailing post bytes", ErrMalformed, len(env.data)-off)
	}
	return posts, nil
}

func (env *envelope) payload() (*Payload, error) {
	if len(env.ids) != len(env.sizes) {
		return nil, fmt.Errorf("%w: %d ids, %d sizes", ErrMalformed, len(env.ids), len(env.sizes))
	}
	p := &Payload{
		StackSize:          env.stackSize,
		VolatileMemorySize: env.volatileSize,
		Constants:          env.constants,
		Opcodes:            env.data,
		Resources:          make([]ResourceInfo, len(env.ids)),
	}
	for i, id := range env.ids {
		p.Resources[i] = ResourceInfo{ID: id, Size: env.sizes[i]}
	}
	return p, nil
}
