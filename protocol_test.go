package irodswire

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/datagrid-go/irodswire/codes"
	"github.com/datagrid-go/irodswire/errors"
	"github.com/datagrid-go/irodswire/pkg/tag"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubConn is an in-memory net.Conn recording every write and serving
// pre-scripted response bytes. Transport failures can be injected by setting
// failWrites.
type stubConn struct {
	mu         sync.Mutex
	writes     [][]byte
	response   bytes.Buffer
	failWrites bool
	closed     bool
}

func (stub *stubConn) Read(p []byte) (int, error) {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return stub.response.Read(p)
}

func (stub *stubConn) Write(p []byte) (int, error) {
	stub.mu.Lock()
	defer stub.mu.Unlock()

	if stub.failWrites {
		return 0, fmt.Errorf("injected transport failure")
	}

	stub.writes = append(stub.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (stub *stubConn) Close() error {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	stub.closed = true
	return nil
}

func (stub *stubConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (stub *stubConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (stub *stubConn) SetDeadline(time.Time) error      { return nil }
func (stub *stubConn) SetReadDeadline(time.Time) error  { return nil }
func (stub *stubConn) SetWriteDeadline(time.Time) error { return nil }

func (stub *stubConn) writeCount() int {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return len(stub.writes)
}

func (stub *stubConn) written() []byte {
	stub.mu.Lock()
	defer stub.mu.Unlock()

	var all []byte
	for _, write := range stub.writes {
		all = append(all, write...)
	}
	return all
}

// script frames a response message into the stub's read buffer.
func (stub *stubConn) script(t *testing.T, requestType string, body []byte, opResult int32) {
	t.Helper()

	header := encodeHeader(requestType, len(body), 0, 0, opResult)

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(header)))

	stub.mu.Lock()
	defer stub.mu.Unlock()
	stub.response.Write(length[:])
	stub.response.Write(header)
	stub.response.Write(body)
}

// scriptRaw places raw bytes into the stub's read buffer without framing.
func (stub *stubConn) scriptRaw(data []byte) {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	stub.response.Write(data)
}

func stubProtocol(t *testing.T, stub *stubConn, mutate func(*Settings)) *Protocol {
	t.Helper()

	settings := DefaultSettings()
	if mutate != nil {
		mutate(&settings)
	}

	config, err := NewPipelineConfiguration(settings)
	require.NoError(t, err)

	logger := slogt.New(t)
	account := Account{Host: "irods.example.org", Port: 1247, User: "rods", Zone: "tempZone"}

	protocol, err := newProtocol(NewConn(stub, config, logger), config, account, logger)
	require.NoError(t, err)

	t.Cleanup(protocol.ForceDisconnect)
	return protocol
}

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		requestType               string
		message, errs, binary, op int
	}{
		{RequestConnect, 0, 0, 0, 0},
		{RequestAPI, 231, 0, 0, 702},
		{RequestAPI, 1, 17, 4096, 703},
		{RequestDisconnect, 0, 0, 0, -808000},
	}

	for _, test := range tests {
		header := encodeHeader(test.requestType, test.message, test.errs, test.binary, int32(test.op))

		requestType, messageLength, errorLength, binaryLength, opCode, err := parseHeader(header)
		require.NoError(t, err)

		assert.Equal(t, test.requestType, requestType)
		assert.Equal(t, test.message, messageLength)
		assert.Equal(t, test.errs, errorLength)
		assert.Equal(t, test.binary, binaryLength)
		assert.Equal(t, int32(test.op), opCode)
	}
}

func TestParseHeaderRejectsForeignElement(t *testing.T) {
	_, _, _, _, _, err := parseHeader([]byte("<Version_PI><status>0</status></Version_PI>\n"))
	require.Error(t, err)
	assert.Equal(t, errors.CategoryProtocol, errors.GetCategory(err))
}

func TestVersionFlush(t *testing.T) {
	protocol := stubProtocol(t, &stubConn{}, nil)

	// No check runs before the startup response is known.
	assert.False(t, protocol.versionFlush())

	protocol.startup = &StartupResponse{ReleaseVersion: "rods4.0.2"}
	assert.True(t, protocol.versionFlush())

	protocol.startup = &StartupResponse{ReleaseVersion: "rods4.1.0"}
	assert.False(t, protocol.versionFlush())

	protocol.startup = &StartupResponse{ReleaseVersion: "rods3.3.1"}
	assert.False(t, protocol.versionFlush())

	forced := stubProtocol(t, &stubConn{}, func(settings *Settings) {
		settings.ForceVersionFlush = true
	})
	forced.startup = &StartupResponse{ReleaseVersion: "rods4.1.0"}
	assert.True(t, forced.versionFlush())
}

func TestVersionFlushSplitsWrites(t *testing.T) {
	message := tag.New("fileLseekInp_PI", tag.NewInt("fileInx", 3))

	t.Run("4.0.2 flushes the header separately", func(t *testing.T) {
		stub := &stubConn{}
		protocol := stubProtocol(t, stub, nil)
		protocol.startup = &StartupResponse{ReleaseVersion: "rods4.0.2"}

		require.NoError(t, protocol.send(RequestAPI, &message, nil, nil, 702))
		assert.Equal(t, 2, stub.writeCount())
	})

	t.Run("4.1.0 writes one frame", func(t *testing.T) {
		stub := &stubConn{}
		protocol := stubProtocol(t, stub, nil)
		protocol.startup = &StartupResponse{ReleaseVersion: "rods4.1.0"}

		require.NoError(t, protocol.send(RequestAPI, &message, nil, nil, 702))
		assert.Equal(t, 1, stub.writeCount())
	})

	t.Run("forced flush overrides the version", func(t *testing.T) {
		stub := &stubConn{}
		protocol := stubProtocol(t, stub, func(settings *Settings) {
			settings.ForceVersionFlush = true
		})
		protocol.startup = &StartupResponse{ReleaseVersion: "rods4.1.0"}

		require.NoError(t, protocol.send(RequestAPI, &message, nil, nil, 702))
		assert.Equal(t, 2, stub.writeCount())
	})
}

func TestCallFramesSegmentsInOrder(t *testing.T) {
	stub := &stubConn{}
	protocol := stubProtocol(t, stub, nil)
	stub.script(t, RequestAPIReply, nil, 0)

	message := tag.New("dataObjInp_PI", tag.NewValue("objPath", "/tempZone/home/rods/file"))
	errorBytes := []byte("error segment")
	binaryBytes := []byte{0xde, 0xad, 0xbe, 0xef}

	_, err := protocol.Call(RequestAPI, &message, errorBytes, binaryBytes, 601)
	require.NoError(t, err)

	wire := stub.written()
	headerLength := int(binary.BigEndian.Uint32(wire[:4]))

	requestType, messageLength, errorLength, binaryLength, opCode, err := parseHeader(wire[4 : 4+headerLength])
	require.NoError(t, err)

	assert.Equal(t, RequestAPI, requestType)
	assert.Equal(t, int32(601), opCode)
	assert.Equal(t, len(errorBytes), errorLength)
	assert.Equal(t, len(binaryBytes), binaryLength)

	payload := wire[4+headerLength:]
	require.Len(t, payload, messageLength+errorLength+binaryLength)
	assert.Equal(t, message.Encode(), payload[:messageLength])
	assert.Equal(t, errorBytes, payload[messageLength:messageLength+errorLength])
	assert.Equal(t, binaryBytes, payload[messageLength+errorLength:])
}

func TestForcedDisconnectOnTransportFailure(t *testing.T) {
	stub := &stubConn{failWrites: true}
	protocol := stubProtocol(t, stub, nil)

	message := tag.New("dataObjInp_PI", tag.NewValue("objPath", "/tempZone/home/rods/file"))
	_, err := protocol.Call(RequestAPI, &message, nil, nil, 601)
	require.Error(t, err)

	assert.Equal(t, errors.CategoryIO, errors.GetCategory(err))
	assert.True(t, errors.IsConnectionFatal(err))
	assert.False(t, protocol.IsConnected())
	assert.True(t, stub.closed)

	// The forced path skips the goodbye entirely; nothing may reach the wire
	// after the failure.
	assert.Zero(t, stub.writeCount())
	assert.NotContains(t, string(stub.written()), "sslEndInp")
}

func TestServerErrorKeepsConnectionUsable(t *testing.T) {
	stub := &stubConn{}
	protocol := stubProtocol(t, stub, nil)
	stub.script(t, RequestAPIReply, nil, int32(codes.CatNoRowsFound))

	_, err := protocol.Call(RequestAPI, nil, nil, nil, 702)
	require.Error(t, err)

	assert.Equal(t, errors.CategoryProtocol, errors.GetCategory(err))
	assert.Equal(t, codes.CatNoRowsFound, errors.GetCode(err))
	assert.False(t, errors.IsConnectionFatal(err))
	assert.True(t, protocol.IsConnected())
}

func TestReadMessageRejectsCorruptFrameLength(t *testing.T) {
	stub := &stubConn{}
	protocol := stubProtocol(t, stub, nil)

	// A length prefix of 0xFFFFFFFF reads back as a negative int32.
	stub.scriptRaw([]byte{0xff, 0xff, 0xff, 0xff})

	_, err := protocol.Call(RequestAPI, nil, nil, nil, 702)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryProtocol, errors.GetCategory(err))
}

func TestParseHeaderRejectsOutOfRangeLengths(t *testing.T) {
	_, _, _, _, _, err := parseHeader(encodeHeader(RequestAPIReply, -5, 0, 0, 0))
	require.Error(t, err)
	assert.Equal(t, errors.CategoryProtocol, errors.GetCategory(err))

	_, _, _, _, _, err = parseHeader(encodeHeader(RequestAPIReply, 0, maxMessageSize+1, 0, 0))
	require.Error(t, err)
	assert.Equal(t, errors.CategoryProtocol, errors.GetCategory(err))
}

func TestDisconnectSendsSSLEndBeforeGoodbye(t *testing.T) {
	stub := &stubConn{}
	protocol := stubProtocol(t, stub, nil)
	protocol.conn.encryptionMode = EncryptionSSLWrapped
	stub.script(t, RequestAPIReply, nil, 0)

	require.NoError(t, protocol.Disconnect())

	wire := string(stub.written())
	sslEnd := strings.Index(wire, "sslEndInp_PI")
	goodbye := strings.Index(wire, RequestDisconnect)
	require.NotEqual(t, -1, sslEnd, "the ssl end instruction precedes the goodbye on a wrapped connection")
	require.NotEqual(t, -1, goodbye)
	assert.Less(t, sslEnd, goodbye)

	assert.True(t, stub.closed)
	assert.False(t, protocol.IsConnected())
}

func TestUnsupportedEncodingIsLocal(t *testing.T) {
	_, err := resolveEncoding("no-such-encoding")
	require.Error(t, err)
	assert.Equal(t, errors.CategoryEncoding, errors.GetCategory(err))
	assert.False(t, errors.IsConnectionFatal(err))
}

func TestStartupResponseVersion(t *testing.T) {
	startup := &StartupResponse{ReleaseVersion: "rods4.0.2"}
	major, minor, patch := startup.Version()
	assert.Equal(t, []int{4, 0, 2}, []int{major, minor, patch})

	startup = &StartupResponse{ReleaseVersion: "rods4.3"}
	major, minor, patch = startup.Version()
	assert.Equal(t, []int{4, 3, 0}, []int{major, minor, patch})
}

// leakRecorder counts leak warnings surfaced through the logging channel.
type leakRecorder struct {
	mu    sync.Mutex
	count int
}

func (recorder *leakRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (recorder *leakRecorder) Handle(_ context.Context, record slog.Record) error {
	if record.Level == slog.LevelError {
		recorder.mu.Lock()
		recorder.count++
		recorder.mu.Unlock()
	}
	return nil
}

func (recorder *leakRecorder) WithAttrs([]slog.Attr) slog.Handler { return recorder }
func (recorder *leakRecorder) WithGroup(string) slog.Handler      { return recorder }

func (recorder *leakRecorder) observed() int {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return recorder.count
}

func TestLeakWarningBackstop(t *testing.T) {
	recorder := &leakRecorder{}
	logger := slog.New(recorder)

	config, err := NewPipelineConfiguration(DefaultSettings())
	require.NoError(t, err)

	stub := &stubConn{}
	account := Account{Host: "irods.example.org", Port: 1247, User: "rods", Zone: "tempZone"}

	func() {
		protocol, err := newProtocol(NewConn(stub, config, logger), config, account, logger)
		require.NoError(t, err)
		_ = protocol
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return recorder.observed() == 1
	}, 5*time.Second, 10*time.Millisecond, "expected exactly one leak warning after reclaim")

	// Further collections must not repeat the warning.
	runtime.GC()
	runtime.GC()
	assert.Equal(t, 1, recorder.observed())

	stub.mu.Lock()
	closed := stub.closed
	stub.mu.Unlock()
	assert.True(t, closed, "the backstop force disconnects the abandoned connection")
}
