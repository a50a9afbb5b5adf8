package courier

import (
	"fmt"
	"strconv"
	"strings"
)

// ProtocolVersion is the only wire version this package speaks. Optional
// behaviour is negotiated per message through Capabilities.
const ProtocolVersion = 1

// Capabilities is a bit-set describing how a message body was produced.
type Capabilities uint32

const (
	// CapCompressed marks a body that was zstd compressed before it was split.
	CapCompressed Capabilities = 1 << iota
)

const knownCapabilities = CapCompressed

func (c Capabilities) Has(flag Capabilities) bool {
	return c&flag == flag
}

// Header names used to carry the envelope on the transport.
const (
	HeaderVersion       = "Courier-Version"
	HeaderCapabilities  = "Courier-Caps"
	HeaderCorrelationID = "Courier-Correlation-Id"
	HeaderSubject       = "Courier-Subject"
	HeaderChunkIndex    = "Courier-Chunk-Index"
	HeaderChunkCount    = "Courier-Chunk-Count"
	HeaderServiceToken  = "Courier-Service-Token"
	HeaderReplyTo       = "Courier-Reply-To"
	HeaderSender        = "Courier-Sender"
)

// Envelope is the metadata sent alongside every chunk. All chunks of one
// logical message carry the same CorrelationID, ChunkCount and ServiceToken.
type Envelope struct {
	Version       int
	Capabilities  Capabilities
	CorrelationID string
	ChunkIndex    int
	ChunkCount    int
	ServiceToken  string

	// Subject is the logical subject the message was addressed to and the
	// ServiceToken signed. It differs from the transport subject when request
	// chunks are sent to the direct subject of a pinned instance.
	Subject string

	// ReplyTo is set on request chunks and names the subject the responder
	// publishes the response to.
	ReplyTo string

	// Sender is the service name of the issuing channel. It is informational;
	// trust is established by ServiceToken alone.
	Sender string
}

// ForChunk returns a copy of the envelope addressed to chunk index of count.
func (e *Envelope) ForChunk(index, count int) *Envelope {
	chunkEnvelope := *e
	chunkEnvelope.ChunkIndex = index
	chunkEnvelope.ChunkCount = count
	return &chunkEnvelope
}

// Header encodes the envelope as transport headers. The result is assignable
// to nats.Header.
func (e *Envelope) Header() map[string][]string {
	header := map[string][]string{
		HeaderVersion:       {strconv.Itoa(e.Version)},
		HeaderCorrelationID: {e.CorrelationID},
		HeaderChunkIndex:    {strconv.Itoa(e.ChunkIndex)},
		HeaderChunkCount:    {strconv.Itoa(e.ChunkCount)},
	}
	if e.Capabilities != 0 {
		header[HeaderCapabilities] = []string{strconv.FormatUint(uint64(e.Capabilities), 10)}
	}
	if e.ServiceToken != "" {
		header[HeaderServiceToken] = []string{e.ServiceToken}
	}
	if e.Subject != "" {
		header[HeaderSubject] = []string{e.Subject}
	}
	if e.ReplyTo != "" {
		header[HeaderReplyTo] = []string{e.ReplyTo}
	}
	if e.Sender != "" {
		header[HeaderSender] = []string{e.Sender}
	}
	return header
}

// ParseEnvelope decodes and validates an envelope from transport headers.
// Any violation is reported as ErrMalformedEnvelope.
func ParseEnvelope(header map[string][]string) (*Envelope, error) {
	if header == nil {
		return nil, fmt.Errorf("%w: no headers", ErrMalformedEnvelope)
	}

	version, err := headerInt(header, HeaderVersion)
	if err != nil {
		return nil, err
	}
	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrMalformedEnvelope, version)
	}

	envelope := &Envelope{
		Version:       version,
		CorrelationID: headerValue(header, HeaderCorrelationID),
		ServiceToken:  headerValue(header, HeaderServiceToken),
		Subject:       headerValue(header, HeaderSubject),
		ReplyTo:       headerValue(header, HeaderReplyTo),
		Sender:        headerValue(header, HeaderSender),
	}
	if envelope.CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing correlation id", ErrMalformedEnvelope)
	}

	if raw := headerValue(header, HeaderCapabilities); raw != "" {
		caps, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad capabilities %q", ErrMalformedEnvelope, raw)
		}
		envelope.Capabilities = Capabilities(caps)
		if envelope.Capabilities&^knownCapabilities != 0 {
			return nil, fmt.Errorf("%w: unknown capabilities %d", ErrMalformedEnvelope, caps)
		}
	}

	if envelope.ChunkIndex, err = headerInt(header, HeaderChunkIndex); err != nil {
		return nil, err
	}
	if envelope.ChunkCount, err = headerInt(header, HeaderChunkCount); err != nil {
		return nil, err
	}
	if envelope.ChunkCount < 1 {
		return nil, fmt.Errorf("%w: chunk count %d", ErrMalformedEnvelope, envelope.ChunkCount)
	}
	if envelope.ChunkIndex < 1 || envelope.ChunkIndex > envelope.ChunkCount {
		return nil, fmt.Errorf("%w: chunk index %d out of range 1..%d",
			ErrMalformedEnvelope, envelope.ChunkIndex, envelope.ChunkCount)
	}

	return envelope, nil
}

func headerValue(header map[string][]string, key string) string {
	if values, ok := header[key]; ok && len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

func headerInt(header map[string][]string, key string) (int, error) {
	raw := headerValue(header, key)
	if raw == "" {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, key)
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", ErrMalformedEnvelope, key, raw)
	}
	return value, nil
}
