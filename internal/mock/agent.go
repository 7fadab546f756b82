// Package mock provides a scripted in-memory iRODS agent used to exercise
// the client protocol engine inside tests.
package mock

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/datagrid-go/irodswire/pkg/tag"
)

const catNoRowsFound = -808000
const catInvalidAuthentication = -826000

// Agent emulates the server side of the iRODS wire protocol for a single
// connection. The zero value serves a 4.3.0 agent with an opportunistic
// negotiation policy and an empty catalog.
type Agent struct {
	// ReleaseVersion reported inside the version message.
	ReleaseVersion string
	// Policy advertised during client-server negotiation.
	Policy string
	// Password expected during the native challenge/response exchange.
	Password string
	// SkipNegotiation emulates a server predating the negotiation exchange:
	// the startup pack is answered with the version message directly, the
	// negotiation request option ignored.
	SkipNegotiation bool
	// Rows holds the catalog dataset served to queries, row major.
	Rows [][]string

	// AuthRequests counts received credential-bearing instructions.
	AuthRequests atomic.Int32

	// LastZone records the zone keyword of the most recent query.
	LastZone atomic.Value

	challenge []byte
	cursors   map[int32]int
	nextToken int32
}

func (agent *Agent) release() string {
	if agent.ReleaseVersion == "" {
		return "rods4.3.0"
	}

	return agent.ReleaseVersion
}

func (agent *Agent) policy() string {
	if agent.Policy == "" {
		return "CS_NEG_DONT_CARE"
	}

	return agent.Policy
}

// Serve handles the scripted conversation over the given connection until
// the client disconnects.
func (agent *Agent) Serve(t *testing.T, conn net.Conn) {
	defer conn.Close()
	agent.cursors = map[int32]int{}

	for {
		header, body, err := read(conn)
		if err != nil {
			// The client went away, either cleanly or through a forced
			// disconnect.
			return
		}

		requestType := header.String("type")
		opCode := int32(header.Int("intInfo"))

		switch requestType {
		case "RODS_CONNECT":
			if !agent.startup(t, conn, body) {
				return
			}
		case "RODS_API_REQ":
			agent.api(t, conn, opCode, body)
		case "RODS_DISCONNECT":
			return
		default:
			t.Logf("agent ignoring request type %s", requestType)
		}
	}
}

// startup consumes the startup pack, performs the negotiation exchange when
// the client requested one, and reports the agent version. The return value
// indicates whether the session continues.
func (agent *Agent) startup(t *testing.T, conn net.Conn, body []byte) bool {
	pack, err := tag.Parse(body)
	if err != nil {
		t.Errorf("agent received a malformed startup pack: %v", err)
		return false
	}

	if !agent.SkipNegotiation && strings.Contains(pack.String("option"), "request_server_negotiation") {
		advert := tag.New("CS_NEG_PI",
			tag.NewInt("status", 1),
			tag.NewValue("result", agent.policy()),
		)
		write(t, conn, "RODS_CS_NEG_T", advert.Encode(), 0)

		reply, replyBody, err := read(conn)
		if err != nil {
			return false
		}

		if reply.String("type") != "RODS_CS_NEG_T" {
			t.Errorf("agent expected a negotiation reply, got %s", reply.String("type"))
			return false
		}

		outcome, err := tag.Parse(replyBody)
		if err != nil {
			t.Errorf("agent received a malformed negotiation reply: %v", err)
			return false
		}

		if outcome.Int("status") == 0 || outcome.String("result") == "CS_NEG_FAILURE" {
			return false
		}
	}

	version := tag.New("Version_PI",
		tag.NewInt("status", 0),
		tag.NewValue("relVersion", agent.release()),
		tag.NewValue("apiVersion", "d"),
		tag.NewInt("reconnPort", 0),
		tag.NewValue("reconnAddr", ""),
		tag.NewInt("cookie", 0),
	)
	write(t, conn, "RODS_VERSION", version.Encode(), 0)
	return true
}

func (agent *Agent) api(t *testing.T, conn net.Conn, opCode int32, body []byte) {
	switch opCode {
	case 703: // auth request
		agent.AuthRequests.Add(1)
		agent.challenge = make([]byte, 64)
		for i := range agent.challenge {
			agent.challenge[i] = byte(i)
		}

		reply := tag.New("authRequestOut_PI",
			tag.NewValue("challenge", base64.StdEncoding.EncodeToString(agent.challenge)),
		)
		write(t, conn, "RODS_API_REPLY", reply.Encode(), 0)
	case 704: // auth response
		agent.AuthRequests.Add(1)
		response, err := tag.Parse(body)
		if err != nil {
			t.Errorf("agent received a malformed auth response: %v", err)
			return
		}

		if response.String("response") != agent.expectedResponse() {
			write(t, conn, "RODS_API_REPLY", nil, catInvalidAuthentication)
			return
		}

		write(t, conn, "RODS_API_REPLY", nil, 0)
	case 702: // general query
		agent.genQuery(t, conn, body)
	case 1101: // ssl end
		write(t, conn, "RODS_API_REPLY", nil, 0)
	default:
		t.Logf("agent ignoring api number %d", opCode)
		write(t, conn, "RODS_API_REPLY", nil, 0)
	}
}

func (agent *Agent) expectedResponse() string {
	padded := make([]byte, 50)
	copy(padded, agent.Password)

	digest := md5.New()
	digest.Write(agent.challenge)
	digest.Write(padded)
	return base64.StdEncoding.EncodeToString(digest.Sum(nil))
}

// genQuery serves one page of the configured dataset, maintaining
// server-side cursor state across continuations.
func (agent *Agent) genQuery(t *testing.T, conn net.Conn, body []byte) {
	query, err := tag.Parse(body)
	if err != nil {
		t.Errorf("agent received a malformed query: %v", err)
		return
	}

	maxRows := int(query.Int("maxRows"))
	continuation := int32(query.Int("continueInx"))
	offset := int(query.Int("partialStartIndex"))

	if keywords := query.Get("KeyValPair_PI"); keywords != nil && keywords.String("keyWord") == "zone" {
		agent.LastZone.Store(keywords.String("svalue"))
	}

	if continuation > 0 {
		stored, ok := agent.cursors[continuation]
		if !ok {
			write(t, conn, "RODS_API_REPLY", nil, catNoRowsFound)
			return
		}

		delete(agent.cursors, continuation)
		if maxRows == 0 {
			// Cursor close.
			out := agent.page(nil, 0, 0)
			write(t, conn, "RODS_API_REPLY", out.Encode(), 0)
			return
		}

		offset = stored
	}

	if offset >= len(agent.Rows) {
		write(t, conn, "RODS_API_REPLY", nil, catNoRowsFound)
		return
	}

	end := offset + maxRows
	if end > len(agent.Rows) {
		end = len(agent.Rows)
	}

	var token int32
	if end < len(agent.Rows) {
		agent.nextToken++
		token = agent.nextToken
		agent.cursors[token] = end
	}

	out := agent.page(agent.Rows[offset:end], token, len(agent.Rows))
	write(t, conn, "RODS_API_REPLY", out.Encode(), 0)
}

// page assembles the column-major query reply for the given rows.
func (agent *Agent) page(rows [][]string, continuation int32, total int) tag.Tag {
	width := 0
	if len(rows) > 0 {
		width = len(rows[0])
	}

	children := []tag.Tag{
		tag.NewInt("rowCnt", int64(len(rows))),
		tag.NewInt("attriCnt", int64(width)),
		tag.NewInt("continueInx", int64(continuation)),
		tag.NewInt("totalRowCount", int64(total)),
	}

	for column := 0; column < width; column++ {
		values := []tag.Tag{
			tag.NewInt("attriInx", int64(column+1)),
			tag.NewInt("reslen", 64),
		}
		for _, row := range rows {
			values = append(values, tag.NewValue("value", row[column]))
		}

		children = append(children, tag.New("SqlResult_PI", values...))
	}

	return tag.New("GenQueryOut_PI", children...)
}

// read consumes one framed message and returns its parsed header and raw
// message body.
func read(conn net.Conn) (tag.Tag, []byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		return tag.Tag{}, nil, err
	}

	headerBytes := make([]byte, binary.BigEndian.Uint32(length[:]))
	if _, err := io.ReadFull(conn, headerBytes); err != nil {
		return tag.Tag{}, nil, err
	}

	header, err := tag.Parse(headerBytes)
	if err != nil {
		return tag.Tag{}, nil, err
	}

	body := make([]byte, header.Int("msgLen"))
	if _, err := io.ReadFull(conn, body); err != nil {
		return tag.Tag{}, nil, err
	}

	drain := make([]byte, header.Int("errorLen")+header.Int("bsLen"))
	if _, err := io.ReadFull(conn, drain); err != nil {
		return tag.Tag{}, nil, err
	}

	return header, body, nil
}

// write frames and sends one message with the given header fields. Write
// errors are swallowed; a vanished client surfaces on the next read.
func write(t *testing.T, conn net.Conn, requestType string, body []byte, opResult int32) {
	t.Helper()

	header := tag.New("MsgHeader_PI",
		tag.NewValue("type", requestType),
		tag.NewInt("msgLen", int64(len(body))),
		tag.NewInt("errorLen", 0),
		tag.NewInt("bsLen", 0),
		tag.NewInt("intInfo", int64(opResult)),
	).Encode()

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(header)))

	if _, err := conn.Write(length[:]); err != nil {
		return
	}

	if _, err := conn.Write(header); err != nil {
		return
	}

	if len(body) > 0 {
		conn.Write(body)
	}
}
