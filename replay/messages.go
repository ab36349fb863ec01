package replay

import (
	"log/slog"
	"strconv"

	"github.com/meigma/replaycache/provider"
	"github.com/meigma/replaycache/replay/internal/wire"
)

// Kind identifies a replayer-to-host message.
type Kind uint8

const (
	KindPayloadRequest  = Kind(wire.KindPayloadRequest)
	KindResourceRequest = Kind(wire.KindResourceRequest)
	KindReplayFinished  = Kind(wire.KindReplayFinished)
	KindCrashDump       = Kind(wire.KindCrashDump)
	KindPostData        = Kind(wire.KindPostData)
	KindNotification    = Kind(wire.KindNotification)
)

func (k Kind) String() string {
	return wire.Kind(k).String()
}

// ResourceInfo describes one resource a payload refers to.
type ResourceInfo struct {
	ID   string
	Size uint32
}

// Payload is the replay program sent by the host.
type Payload struct {
	StackSize          uint32
	VolatileMemorySize uint32
	Constants          []byte
	Resources          []ResourceInfo
	Opcodes            []byte
}

// Requests returns the payload's resources as provider requests, in order.
func (p *Payload) Requests() []provider.Request {
	out := make([]provider.Request, len(p.Resources))
	for i, r := range p.Resources {
		out[i] = provider.Request{ID: r.ID, Size: int(r.Size)}
	}
	return out
}

// Post is a chunk of data read back from the replay target.
type Post struct {
	ID   uint64
	Data []byte
}

// Severity grades a notification.
type Severity uint32

const (
	SeverityVerbose Severity = iota
	SeverityDebug
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityFatal
)

var severityNames = [...]string{"verbose", "debug", "info", "warning", "error", "fatal"}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return "severity(" + strconv.FormatUint(uint64(s), 10) + ")"
}

// Level maps the severity onto a slog level.
func (s Severity) Level() slog.Level {
	switch {
	case s <= SeverityDebug:
		return slog.LevelDebug
	case s == SeverityInfo:
		return slog.LevelInfo
	case s == SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Notification reports an event that happened during replay, such as a
// validation message raised while executing a command.
type Notification struct {
	ID       uint64
	Severity Severity
	APIIndex uint32
	Label    uint64
	Message  string
	Data     []byte
}

// CrashDump is a crash report produced by the replayer.
type CrashDump struct {
	Path string
	Data []byte
}

// Message is a decoded replayer-to-host message. Only the fields relevant to
// Kind are set.
type Message struct {
	Kind         Kind
	Resources    []provider.Request
	CrashDump    *CrashDump
	Posts        []Post
	Notification *Notification
}
