package irodswire

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/datagrid-go/irodswire/codes"
	"github.com/datagrid-go/irodswire/errors"
	"github.com/datagrid-go/irodswire/pkg/tag"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// Request types carried inside the message header.
const (
	RequestConnect     = "RODS_CONNECT"
	RequestVersion     = "RODS_VERSION"
	RequestAPI         = "RODS_API_REQ"
	RequestAPIReply    = "RODS_API_REPLY"
	RequestNegotiation = "RODS_CS_NEG_T"
	RequestDisconnect  = "RODS_DISCONNECT"
)

// iRODS API numbers used by the protocol core.
const (
	apiGenQuery       int32 = 702
	apiAuthRequest    int32 = 703
	apiAuthResponse   int32 = 704
	apiPamAuthRequest int32 = 725
	apiSSLStart       int32 = 1100
	apiSSLEnd         int32 = 1101
)

// headerTag is the name of the XML header element framing every message.
const headerTag = "MsgHeader_PI"

// maxMessageSize bounds every length field read off the wire before any
// buffer is allocated for it. A corrupt or hostile peer must surface as a
// protocol error, not as an oversized or negative allocation.
const maxMessageSize = 32 << 20

// StartupResponse is an immutable snapshot of the server identity captured
// once at the end of the startup sequence. Absence is a valid transient state
// only during negotiation.
type StartupResponse struct {
	Status            int64
	ReleaseVersion    string
	APIVersion        string
	NegotiationResult string
}

// Version returns the major, minor and patch components of the reported
// release version, e.g. "rods4.0.2" reports (4, 0, 2).
func (startup *StartupResponse) Version() (major, minor, patch int) {
	release := strings.TrimPrefix(startup.ReleaseVersion, "rods")

	parts := strings.SplitN(release, ".", 3)
	read := func(index int) int {
		if index >= len(parts) {
			return 0
		}

		value, _ := strconv.Atoi(parts[index])
		return value
	}

	return read(0), read(1), read(2)
}

// Protocol frames application messages over a single transport connection and
// manages the connection shutdown sequence. It sits above the socket
// read/write level and below the abstract operation level.
//
// A Protocol instance is confined to one goroutine at a time, the same way a
// database connection would be. Calls on one instance are strictly
// sequential; the segments of one call are never interleaved with another
// call's segments. A protocol manager owns the decision to recycle or destroy
// the instance.
type Protocol struct {
	mu     sync.Mutex
	logger *slog.Logger
	config *PipelineConfiguration
	conn   *Conn

	account  Account
	startup  *StartupResponse
	encoding encoding.Encoding
}

// newProtocol wires a protocol instance onto the given connection and arms
// the leak backstop. The startup response is left unset until negotiation
// completes.
func newProtocol(conn *Conn, config *PipelineConfiguration, account Account, logger *slog.Logger) (*Protocol, error) {
	enc, err := resolveEncoding(config.Encoding())
	if err != nil {
		return nil, err
	}

	protocol := &Protocol{
		logger:   logger,
		config:   config,
		conn:     conn,
		account:  account,
		encoding: enc,
	}

	// Backstop only. The primary discipline is an explicit Disconnect by the
	// caller; the finalizer exists to surface forgotten connections during
	// development and to reclaim the socket as a last resort.
	runtime.SetFinalizer(protocol, (*Protocol).reclaim)
	return protocol, nil
}

// resolveEncoding maps the configured IANA encoding name onto a text
// encoding. Unsupported names surface a local, non-fatal encoding error.
func resolveEncoding(name string) (encoding.Encoding, error) {
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, errors.NewEncoding(fmt.Errorf("unsupported wire encoding %q", name))
	}

	return enc, nil
}

// reclaim runs when a still-connected protocol instance is garbage collected
// without an explicit disconnect.
func (protocol *Protocol) reclaim() {
	if !protocol.conn.IsConnected() {
		return
	}

	protocol.logger.Error("potential connection leak: protocol reclaimed while still connected, disconnecting as a safety net",
		slog.String("connection", protocol.conn.ID().String()))
	protocol.ForceDisconnect()
}

// StartupResponse returns the server identity snapshot, or nil while
// negotiation is still in progress.
func (protocol *Protocol) StartupResponse() *StartupResponse {
	return protocol.startup
}

// IsConnected reports whether the underlying connection is still usable.
func (protocol *Protocol) IsConnected() bool {
	return protocol.conn.IsConnected()
}

// Conn exposes the owned connection to the negotiation engine and to the
// transfer orchestration layer. Other callers never touch the socket
// primitives directly.
func (protocol *Protocol) Conn() *Conn {
	return protocol.conn
}

// encodeMessage serializes the given message tree and applies the configured
// wire text encoding.
func (protocol *Protocol) encodeMessage(message *tag.Tag) ([]byte, error) {
	if message == nil {
		return nil, nil
	}

	data, err := protocol.encoding.NewEncoder().Bytes(message.Encode())
	if err != nil {
		return nil, errors.NewEncoding(err)
	}

	return data, nil
}

// Call frames and sends a request and awaits the parsed response message.
// The wire unit is [int32 BE header length][header][message][error
// bytes][binary bytes]; the header encodes the request type, the three
// payload lengths and the operation code. Any transport failure forcefully
// disconnects the connection before the error is propagated.
func (protocol *Protocol) Call(requestType string, message *tag.Tag, errorBytes, binaryBytes []byte, opCode int32) (*tag.Tag, error) {
	protocol.mu.Lock()
	defer protocol.mu.Unlock()

	if err := protocol.send(requestType, message, errorBytes, binaryBytes, opCode); err != nil {
		return nil, err
	}

	return protocol.readMessage()
}

// CallUnidirectional frames and sends a request without awaiting a response.
// Used for fire-and-forget operations such as the disconnect goodbye.
func (protocol *Protocol) CallUnidirectional(requestType string, message *tag.Tag, errorBytes, binaryBytes []byte, opCode int32) error {
	protocol.mu.Lock()
	defer protocol.mu.Unlock()

	return protocol.send(requestType, message, errorBytes, binaryBytes, opCode)
}

func (protocol *Protocol) send(requestType string, message *tag.Tag, errorBytes, binaryBytes []byte, opCode int32) error {
	if requestType == "" {
		return errors.NewProtocol(codes.SysHeaderTypeLenErr, "null or blank request type")
	}

	encoded, err := protocol.encodeMessage(message)
	if err != nil {
		// Encoding failures are local and never poison the connection.
		return err
	}

	protocol.logger.Debug("-> sending request",
		slog.String("type", requestType),
		slog.Int("op", int(opCode)),
		slog.Int("message_length", len(encoded)))

	err = protocol.exchange(func() error {
		if err := protocol.sendHeader(requestType, len(encoded), len(errorBytes), len(binaryBytes), opCode); err != nil {
			return err
		}

		if protocol.versionFlush() {
			// Extra flush between header and payload working around the
			// server-side buffering defect in 4.0.x agents.
			if err := protocol.conn.Flush(); err != nil {
				return err
			}
		}

		if len(encoded) > 0 {
			if err := protocol.conn.Send(encoded); err != nil {
				return err
			}
		}

		if err := protocol.conn.Flush(); err != nil {
			return err
		}

		if len(errorBytes) > 0 {
			if err := protocol.conn.Send(errorBytes); err != nil {
				return err
			}
		}

		if len(binaryBytes) > 0 {
			if err := protocol.conn.Send(binaryBytes); err != nil {
				return err
			}
		}

		return protocol.conn.Flush()
	})

	return err
}

// exchange runs the given wire interaction and converts any transport
// failure into a forced disconnect before propagating it. A broken pipe
// makes the goodbye sequence pointless; correctness is traded for not
// hanging against an unresponsive peer.
func (protocol *Protocol) exchange(interaction func() error) error {
	err := interaction()
	if err == nil {
		return nil
	}

	if errors.GetCategory(err) == errors.CategoryIO {
		protocol.logger.Error("transport failure, forcefully disconnecting",
			slog.String("connection", protocol.conn.ID().String()),
			slog.Any("err", err))
		protocol.conn.ForceClose()
	}

	return err
}

// sendHeader frames and sends the length-prefixed message header.
func (protocol *Protocol) sendHeader(requestType string, messageLength, errorLength, binaryLength int, opCode int32) error {
	header := encodeHeader(requestType, messageLength, errorLength, binaryLength, opCode)

	if err := protocol.conn.SendInNetworkOrder(int32(len(header))); err != nil {
		return err
	}

	return protocol.conn.Send(header)
}

// encodeHeader serializes a message header. The element order is a fixed
// wire contract and must match the server byte for byte.
func encodeHeader(requestType string, messageLength, errorLength, binaryLength int, opCode int32) []byte {
	header := tag.New(headerTag,
		tag.NewValue("type", requestType),
		tag.NewInt("msgLen", int64(messageLength)),
		tag.NewInt("errorLen", int64(errorLength)),
		tag.NewInt("bsLen", int64(binaryLength)),
		tag.NewInt("intInfo", int64(opCode)),
	)

	return header.Encode()
}

// parseHeader interprets a received header element.
func parseHeader(data []byte) (requestType string, messageLength, errorLength, binaryLength int, opCode int32, err error) {
	header, err := tag.Parse(data)
	if err != nil {
		return "", 0, 0, 0, 0, errors.NewProtocol(codes.SysHeaderReadLenErr, err.Error())
	}

	if header.Name != headerTag {
		return "", 0, 0, 0, 0, errors.NewProtocol(codes.SysHeaderReadLenErr, fmt.Sprintf("unexpected header element %q", header.Name))
	}

	lengths := []int64{header.Int("msgLen"), header.Int("errorLen"), header.Int("bsLen")}
	for _, length := range lengths {
		if length < 0 || length > maxMessageSize {
			return "", 0, 0, 0, 0, errors.NewProtocol(codes.SysHeaderReadLenErr, fmt.Sprintf("segment length %d out of range", length))
		}
	}

	return header.String("type"),
		int(lengths[0]),
		int(lengths[1]),
		int(lengths[2]),
		int32(header.Int("intInfo")),
		nil
}

// versionFlush reports whether every send must be followed by an extra
// flush. Agents reporting major version 4, minor version 0 buffer the header
// separately; the configuration may force the behavior regardless of the
// reported version. Before the startup response is known no check is
// performed.
func (protocol *Protocol) versionFlush() bool {
	if protocol.startup == nil {
		return false
	}

	if protocol.config.ForceVersionFlush() {
		return true
	}

	major, minor, _ := protocol.startup.Version()
	if major == 4 && minor == 0 {
		protocol.logger.Debug("using the extra flush behavior for a 4.0.x server")
		return true
	}

	return false
}

// readMessage reads one framed response. The header determines the segment
// lengths; a negative operation result inside the header surfaces as a
// protocol error after the remaining segments have been drained, keeping the
// connection usable.
func (protocol *Protocol) readMessage() (*tag.Tag, error) {
	var response *tag.Tag

	err := protocol.exchange(func() error {
		lengthBytes, err := protocol.conn.ReceiveExact(4)
		if err != nil {
			return err
		}

		length := int32(binary.BigEndian.Uint32(lengthBytes))
		if length <= 0 || length > maxMessageSize {
			return errors.NewProtocol(codes.SysHeaderReadLenErr, fmt.Sprintf("header length %d out of range", length))
		}

		headerBytes, err := protocol.conn.ReceiveExact(int(length))
		if err != nil {
			return err
		}

		requestType, messageLength, errorLength, binaryLength, opResult, err := parseHeader(headerBytes)
		if err != nil {
			return err
		}

		protocol.logger.Debug("<- received response",
			slog.String("type", requestType),
			slog.Int("result", int(opResult)),
			slog.Int("message_length", messageLength))

		var messageBytes []byte
		if messageLength > 0 {
			messageBytes, err = protocol.conn.ReceiveExact(messageLength)
			if err != nil {
				return err
			}
		}

		// The error and binary segments are drained in order so the next
		// call starts at a frame boundary.
		if errorLength > 0 {
			if _, err := protocol.conn.ReceiveExact(errorLength); err != nil {
				return err
			}
		}

		if binaryLength > 0 {
			if _, err := protocol.conn.ReceiveExact(binaryLength); err != nil {
				return err
			}
		}

		if opResult < 0 {
			return errors.NewProtocol(codes.Code(opResult), "server returned an error response")
		}

		if messageLength == 0 {
			return nil
		}

		decoded, err := protocol.encoding.NewDecoder().Bytes(messageBytes)
		if err != nil {
			return errors.NewEncoding(err)
		}

		parsed, err := tag.Parse(decoded)
		if err != nil {
			return errors.NewProtocol(codes.XMLParserError, err.Error())
		}

		response = &parsed
		return nil
	})

	return response, err
}

// Disconnect performs the clean shutdown sequence: the SSL end instruction
// when the connection is SSL wrapped, the protocol goodbye, then the socket
// close.
func (protocol *Protocol) Disconnect() error {
	protocol.mu.Lock()
	defer protocol.mu.Unlock()

	if !protocol.conn.IsConnected() {
		return nil
	}

	defer runtime.SetFinalizer(protocol, nil)

	if protocol.conn.EncryptionMode() == EncryptionSSLWrapped {
		sslEnd := tag.New("sslEndInp_PI", tag.NewValue("arg0", ""))
		if err := protocol.send(RequestAPI, &sslEnd, nil, nil, apiSSLEnd); err != nil {
			return err
		}

		if _, err := protocol.readMessage(); err != nil {
			return err
		}
	}

	if err := protocol.send(RequestDisconnect, nil, nil, nil, 0); err != nil {
		return err
	}

	return protocol.conn.Close()
}

// ForceDisconnect unconditionally tears the connection down without the
// goodbye sequence, ignoring further transport errors.
func (protocol *Protocol) ForceDisconnect() {
	runtime.SetFinalizer(protocol, nil)
	protocol.conn.ForceClose()
}
