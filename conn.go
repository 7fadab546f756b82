package irodswire

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/datagrid-go/irodswire/errors"
	"github.com/google/uuid"
)

// EncryptionMode tags the transport encryption state of a connection.
type EncryptionMode int

const (
	// EncryptionNone indicates a cleartext connection.
	EncryptionNone EncryptionMode = iota
	// EncryptionSSLWrapped indicates that the control connection has been
	// upgraded to TLS during negotiation.
	EncryptionSSLWrapped
	// EncryptionParallelEncrypt indicates a parallel transfer connection
	// carrying payloads encrypted with the negotiated transfer key.
	EncryptionParallelEncrypt
)

// Conn owns exactly one socket together with its buffered reader and writer.
// A Conn is exclusively owned by one Protocol instance and is never shared
// across goroutines. Socket tuning is applied once at dial time from the
// pipeline configuration and is not changeable afterwards.
type Conn struct {
	id     uuid.UUID
	logger *slog.Logger
	config *PipelineConfiguration

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	connected      bool
	encryptionMode EncryptionMode
	openedAt       time.Time

	// encryptionKey holds the derived parallel transfer key when SSL has
	// been negotiated. Consumed by the transfer orchestration layer.
	encryptionKey []byte
}

// Dial opens a control connection to the given address applying the socket
// tuning of the pipeline configuration.
func Dial(ctx context.Context, address string, config *PipelineConfiguration, logger *slog.Logger) (*Conn, error) {
	dialer := net.Dialer{Timeout: config.ConnectTimeout()}

	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.NewIOFailure(err)
	}

	if tcp, ok := raw.(*net.TCPConn); ok {
		applyTCPSettings(tcp, config.PrimaryTCP(), logger)
	}

	conn := NewConn(raw, config, logger)
	logger.Debug("connection opened", slog.String("id", conn.id.String()), slog.String("address", address))
	return conn, nil
}

// NewConn wraps an already-established socket, e.g. a parallel transfer
// connection dialed by the transfer orchestration layer. Socket tuning is
// assumed to have been applied by the dialer.
func NewConn(raw net.Conn, config *PipelineConfiguration, logger *slog.Logger) *Conn {
	return &Conn{
		id:        uuid.New(),
		logger:    logger,
		config:    config,
		conn:      raw,
		reader:    bufio.NewReaderSize(raw, config.InputBufferSize()),
		writer:    bufio.NewWriterSize(raw, config.OutputBufferSize()),
		connected: true,
		openedAt:  time.Now(),
	}
}

// applyTCPSettings configures keep-alive and the kernel socket windows. The
// performance preference triple has no socket API equivalent on this
// platform and is carried for the transfer layer only.
func applyTCPSettings(conn *net.TCPConn, settings TCPSettings, logger *slog.Logger) {
	if err := conn.SetKeepAlive(settings.KeepAlive); err != nil {
		logger.Debug("unable to set keep-alive", slog.Any("err", err))
	}

	if settings.SendWindowSize > 0 {
		if err := conn.SetWriteBuffer(settings.SendWindowSize); err != nil {
			logger.Debug("unable to set send window", slog.Any("err", err))
		}
	}

	if settings.ReceiveWindowSize > 0 {
		if err := conn.SetReadBuffer(settings.ReceiveWindowSize); err != nil {
			logger.Debug("unable to set receive window", slog.Any("err", err))
		}
	}
}

// ID returns the internal identifier of this connection, used to correlate
// lifecycle log entries.
func (conn *Conn) ID() uuid.UUID {
	return conn.id
}

// IsConnected reports whether the underlying socket is still considered
// usable.
func (conn *Conn) IsConnected() bool {
	return conn.connected
}

// EncryptionMode returns the transport encryption tag of this connection.
func (conn *Conn) EncryptionMode() EncryptionMode {
	return conn.encryptionMode
}

// RenewalDue reports whether the connection has outlived the configured
// socket renewal interval and should be proactively recycled by its manager.
func (conn *Conn) RenewalDue() bool {
	interval := conn.config.SocketRenewalInterval()
	if interval == 0 {
		return false
	}

	return time.Since(conn.openedAt) >= interval
}

// Send writes the given bytes to the underlying socket buffer. Any transport
// error is connection fatal; the owning Protocol reacts by forcefully
// disconnecting before propagating the failure.
func (conn *Conn) Send(data []byte) error {
	if !conn.connected {
		return errors.NewIOFailure(errors.ErrDisconnected)
	}

	if err := conn.deadline(); err != nil {
		return errors.NewIOFailure(err)
	}

	if _, err := conn.writer.Write(data); err != nil {
		return errors.NewIOFailure(err)
	}

	return nil
}

// SendInNetworkOrder writes the given integer in network (big-endian) byte
// order.
func (conn *Conn) SendInNetworkOrder(value int32) error {
	var buffer [4]byte
	binary.BigEndian.PutUint32(buffer[:], uint32(value))
	return conn.Send(buffer[:])
}

// Flush forces any buffered bytes onto the wire.
func (conn *Conn) Flush() error {
	if !conn.connected {
		return errors.NewIOFailure(errors.ErrDisconnected)
	}

	if err := conn.writer.Flush(); err != nil {
		return errors.NewIOFailure(err)
	}

	return nil
}

// ReceiveExact reads exactly n bytes from the connection, blocking up to the
// configured socket timeout.
func (conn *Conn) ReceiveExact(n int) ([]byte, error) {
	if !conn.connected {
		return nil, errors.NewIOFailure(errors.ErrDisconnected)
	}

	if err := conn.deadline(); err != nil {
		return nil, errors.NewIOFailure(err)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(conn.reader, data); err != nil {
		return nil, errors.NewIOFailure(err)
	}

	return data, nil
}

// Receive reads up to len(data) bytes into the given buffer.
func (conn *Conn) Receive(data []byte) (int, error) {
	if !conn.connected {
		return 0, errors.NewIOFailure(errors.ErrDisconnected)
	}

	if err := conn.deadline(); err != nil {
		return 0, errors.NewIOFailure(err)
	}

	n, err := conn.reader.Read(data)
	if err != nil {
		return n, errors.NewIOFailure(err)
	}

	return n, nil
}

func (conn *Conn) deadline() error {
	timeout := conn.config.SocketTimeout()
	if timeout == 0 {
		return nil
	}

	return conn.conn.SetDeadline(time.Now().Add(timeout))
}

// StartTLS upgrades the connection to TLS and rebuilds the buffered reader
// and writer on top of the encrypted stream. The connection is tagged as SSL
// wrapped afterwards.
func (conn *Conn) StartTLS(config *tls.Config) error {
	if err := conn.Flush(); err != nil {
		return err
	}

	client := tls.Client(conn.conn, config)
	if err := client.Handshake(); err != nil {
		return errors.NewIOFailure(err)
	}

	conn.conn = client
	conn.reader = bufio.NewReaderSize(client, conn.config.InputBufferSize())
	conn.writer = bufio.NewWriterSize(client, conn.config.OutputBufferSize())
	conn.encryptionMode = EncryptionSSLWrapped

	conn.logger.Debug("connection upgraded to ssl", slog.String("id", conn.id.String()))
	return nil
}

// SetEncryptionKey stores the derived parallel transfer key on the
// connection.
func (conn *Conn) SetEncryptionKey(key []byte) {
	conn.encryptionKey = key
}

// EncryptionKey returns the derived parallel transfer key, or nil when SSL
// was not negotiated.
func (conn *Conn) EncryptionKey() []byte {
	return conn.encryptionKey
}

// Close performs a clean shutdown of the socket. The protocol-level goodbye
// is expected to have been sent already.
func (conn *Conn) Close() error {
	if !conn.connected {
		return nil
	}

	conn.connected = false

	if err := conn.writer.Flush(); err != nil {
		conn.conn.Close()
		return errors.NewIOFailure(err)
	}

	if err := conn.conn.Close(); err != nil {
		return errors.NewIOFailure(err)
	}

	conn.logger.Debug("connection closed", slog.String("id", conn.id.String()))
	return nil
}

// ForceClose unconditionally tears the socket down, ignoring any further
// transport errors, and marks the connection as disconnected.
func (conn *Conn) ForceClose() {
	if !conn.connected {
		return
	}

	conn.connected = false
	_ = conn.conn.Close()

	conn.logger.Debug("connection forcefully closed", slog.String("id", conn.id.String()))
}
