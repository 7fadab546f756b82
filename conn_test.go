package irodswire

import (
	goerrors "errors"
	"testing"
	"time"

	"github.com/datagrid-go/irodswire/errors"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubConnection(t *testing.T, stub *stubConn, mutate func(*Settings)) *Conn {
	t.Helper()

	settings := DefaultSettings()
	if mutate != nil {
		mutate(&settings)
	}

	config, err := NewPipelineConfiguration(settings)
	require.NoError(t, err)

	return NewConn(stub, config, slogt.New(t))
}

func TestConnSendBuffersUntilFlush(t *testing.T) {
	stub := &stubConn{}
	conn := stubConnection(t, stub, nil)

	require.NoError(t, conn.Send([]byte("buffered")))
	assert.Zero(t, stub.writeCount())

	require.NoError(t, conn.Flush())
	assert.Equal(t, []byte("buffered"), stub.written())
}

func TestConnSendInNetworkOrder(t *testing.T) {
	stub := &stubConn{}
	conn := stubConnection(t, stub, nil)

	require.NoError(t, conn.SendInNetworkOrder(0x01020304))
	require.NoError(t, conn.Flush())

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, stub.written())
}

func TestConnReceiveExact(t *testing.T) {
	stub := &stubConn{}
	stub.response.WriteString("exactly twelve bytes follow")
	conn := stubConnection(t, stub, nil)

	data, err := conn.ReceiveExact(7)
	require.NoError(t, err)
	assert.Equal(t, []byte("exactly"), data)

	data, err = conn.ReceiveExact(7)
	require.NoError(t, err)
	assert.Equal(t, []byte(" twelve"), data)
}

func TestConnReceiveExactShortRead(t *testing.T) {
	stub := &stubConn{}
	stub.response.WriteString("short")
	conn := stubConnection(t, stub, nil)

	_, err := conn.ReceiveExact(64)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryIO, errors.GetCategory(err))
}

func TestConnCloseFlushesPendingBytes(t *testing.T) {
	stub := &stubConn{}
	conn := stubConnection(t, stub, nil)

	require.NoError(t, conn.Send([]byte("goodbye")))
	require.NoError(t, conn.Close())

	assert.Equal(t, []byte("goodbye"), stub.written())
	assert.True(t, stub.closed)
	assert.False(t, conn.IsConnected())
}

func TestConnForceCloseIsIdempotent(t *testing.T) {
	stub := &stubConn{}
	conn := stubConnection(t, stub, nil)

	conn.ForceClose()
	conn.ForceClose()

	assert.False(t, conn.IsConnected())
	assert.True(t, stub.closed)
}

func TestConnRejectsUseAfterClose(t *testing.T) {
	conn := stubConnection(t, &stubConn{}, nil)
	conn.ForceClose()

	err := conn.Send([]byte("late"))
	require.Error(t, err)
	assert.Equal(t, errors.CategoryIO, errors.GetCategory(err))
	assert.True(t, goerrors.Is(err, errors.ErrDisconnected))

	_, err = conn.ReceiveExact(1)
	require.Error(t, err)
	assert.True(t, goerrors.Is(err, errors.ErrDisconnected))
}

func TestConnReceiveStreamsPartialReads(t *testing.T) {
	stub := &stubConn{}
	stub.response.WriteString("parallel transfer payload")
	conn := stubConnection(t, stub, nil)

	// Chunked reads into a fixed buffer, the way a transfer consumer drains
	// a binary segment.
	buffer := make([]byte, 8)
	var streamed []byte
	for len(streamed) < len("parallel transfer payload") {
		n, err := conn.Receive(buffer)
		require.NoError(t, err)
		streamed = append(streamed, buffer[:n]...)
	}

	assert.Equal(t, "parallel transfer payload", string(streamed))
}

func TestConnRenewalDue(t *testing.T) {
	conn := stubConnection(t, &stubConn{}, nil)
	assert.False(t, conn.RenewalDue(), "renewal is disabled by default")

	renewing := stubConnection(t, &stubConn{}, func(settings *Settings) {
		settings.SocketRenewalIntervalSeconds = 300
	})
	assert.False(t, renewing.RenewalDue())

	renewing.openedAt = time.Now().Add(-10 * time.Minute)
	assert.True(t, renewing.RenewalDue())
}

func TestConnEncryptionKey(t *testing.T) {
	conn := stubConnection(t, &stubConn{}, nil)
	assert.Nil(t, conn.EncryptionKey())
	assert.Equal(t, EncryptionNone, conn.EncryptionMode())

	key := []byte{1, 2, 3, 4}
	conn.SetEncryptionKey(key)
	assert.Equal(t, key, conn.EncryptionKey())
}
