package mempv_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/arloliu/go-cas/mempv"
	"github.com/arloliu/go-cas/proto"
	"github.com/arloliu/go-cas/server"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

var loopback = netip.MustParseAddr("127.0.0.1")

type casConn struct {
	t    *testing.T
	conn net.Conn
}

func encodeMsg(hdr proto.Header, payload []byte) []byte {
	hdr.PayloadSize = proto.AlignPayload(uint32(len(payload))) //nolint: gosec
	buf := make([]byte, hdr.EncodedSize()+int(hdr.PayloadSize))
	n := hdr.Encode(buf)
	copy(buf[n:], payload)

	return buf
}

func nameBytes(name string) []byte {
	return append([]byte(name), 0)
}

func doubleBytes(f float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(f))

	return b
}

func startServer(t *testing.T, tool *mempv.Tool) *server.Server {
	t.Helper()

	srv, err := server.NewServer(tool,
		server.WithServerPort(0),
		server.WithInterfaces(loopback),
		server.WithAutoBeaconAddr(false),
	)
	require.NoError(t, err)
	tool.Bind(srv)

	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Close)

	return srv
}

func dial(t *testing.T, port int) *casConn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", netip.AddrPortFrom(loopback, uint16(port)).String(), testTimeout) //nolint: gosec
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &casConn{t: t, conn: conn}
	c.send(proto.Header{Command: proto.CmdVersion, Count: uint32(proto.MinorProtocolRevision)}, nil)
	c.send(proto.Header{Command: proto.CmdClientName}, nameBytes("operator"))
	c.send(proto.Header{Command: proto.CmdHostName}, nameBytes("console"))

	return c
}

func (c *casConn) send(hdr proto.Header, payload []byte) {
	c.t.Helper()

	_ = c.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	_, err := c.conn.Write(encodeMsg(hdr, payload))
	require.NoError(c.t, err)
}

func (c *casConn) recv() (proto.Header, []byte) {
	c.t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	buf := make([]byte, proto.ExtendedHeaderSize)
	_, err := io.ReadFull(c.conn, buf[:proto.HeaderSize])
	require.NoError(c.t, err)

	hdr, _, err := proto.DecodeHeader(buf[:proto.HeaderSize])
	if errors.Is(err, proto.ErrShortHeader) {
		_, err = io.ReadFull(c.conn, buf[proto.HeaderSize:])
		require.NoError(c.t, err)
		hdr, _, err = proto.DecodeHeader(buf)
	}
	require.NoError(c.t, err)

	payload := make([]byte, hdr.PayloadSize)
	_, err = io.ReadFull(c.conn, payload)
	require.NoError(c.t, err)

	return hdr, payload
}

// recvCmd skips messages until one of command cmd arrives.
func (c *casConn) recvCmd(cmd proto.Command) (proto.Header, []byte) {
	c.t.Helper()

	for {
		hdr, payload := c.recv()
		if hdr.Command == cmd {
			return hdr, payload
		}
	}
}

// createChan claims name and returns the server id and the access rights.
func (c *casConn) createChan(name string, cid uint32) (proto.Header, uint32) {
	c.t.Helper()
	require := require.New(c.t)

	c.send(proto.Header{Command: proto.CmdCreateChan, CID: cid, Available: uint32(proto.MinorProtocolRevision)}, nameBytes(name))

	hdr, _ := c.recv()
	require.Equal(proto.CmdAccessRights, hdr.Command)
	rights := hdr.Available

	hdr, _ = c.recv()
	require.Equal(proto.CmdCreateChan, hdr.Command)
	require.Equal(cid, hdr.CID)

	return hdr, rights
}

func TestServeMemoryPVs(t *testing.T) {
	require := require.New(t)

	tool := mempv.NewTool(nil)
	temp, err := tool.Add("demo:temp", mempv.Scalar(proto.DBRDouble, 21.5))
	require.NoError(err)
	_, err = tool.Add("demo:mode", mempv.Scalar(proto.DBRLong, 1), mempv.WithReadOnly())
	require.NoError(err)
	_, err = tool.Add("demo:slow", mempv.Scalar(proto.DBRDouble, 3), mempv.WithAsyncDelay(20*time.Millisecond))
	require.NoError(err)

	srv := startServer(t, tool)

	// name resolution over UDP
	udp, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(loopback, uint16(srv.Port())))) //nolint: gosec
	require.NoError(err)
	t.Cleanup(func() { _ = udp.Close() })

	var req []byte
	req = append(req, encodeMsg(proto.Header{Command: proto.CmdVersion, Count: uint32(proto.MinorProtocolRevision)}, nil)...)
	req = append(req, encodeMsg(proto.Header{
		Command:   proto.CmdSearch,
		DataType:  proto.DontReply,
		Count:     uint32(proto.MinorProtocolRevision),
		CID:       1,
		Available: 1,
	}, nameBytes("demo:temp"))...)
	_, err = udp.Write(req)
	require.NoError(err)

	buf := make([]byte, proto.MaxUDPRecv)
	_ = udp.SetReadDeadline(time.Now().Add(testTimeout))
	n, err := udp.Read(buf)
	require.NoError(err)
	version, size, err := proto.DecodeHeader(buf[:n])
	require.NoError(err)
	require.Equal(proto.CmdVersion, version.Command)
	reply, _, err := proto.DecodeHeader(buf[size:n])
	require.NoError(err)
	require.Equal(proto.CmdSearch, reply.Command)
	require.Equal(uint16(srv.Port()), reply.DataType) //nolint: gosec
	require.Equal(uint32(1), reply.Available)

	c := dial(t, srv.Port())

	hdr, rights := c.createChan("demo:temp", 1)
	require.Equal(uint32(proto.AccessRightRead|proto.AccessRightWrite), rights)
	require.Equal(uint16(proto.DBRDouble), hdr.DataType)
	require.Equal(uint32(1), hdr.Count)
	sid := hdr.Available

	_, rights = c.createChan("demo:mode", 2)
	require.Equal(uint32(proto.AccessRightRead), rights)

	// a compound read carries the time of the last update
	c.send(proto.Header{Command: proto.CmdReadNotify, DataType: uint16(proto.DBRTimeDouble), Count: 1, CID: sid, Available: 9}, nil)
	hdr, payload := c.recv()
	require.Equal(proto.CmdReadNotify, hdr.Command)
	require.Equal(uint16(proto.DBRTimeDouble), hdr.DataType)
	require.Equal(uint32(proto.ECANormal), hdr.CID)
	require.Equal(uint32(9), hdr.Available)
	require.GreaterOrEqual(len(payload), 24)
	require.NotZero(binary.BigEndian.Uint32(payload[4:]))
	require.InDelta(21.5, math.Float64frombits(binary.BigEndian.Uint64(payload[16:])), 0)

	// subscription: initial value, then every Set
	mon := make([]byte, proto.EventAddPayloadSize)
	binary.BigEndian.PutUint16(mon[12:], proto.DBEValue)
	c.send(proto.Header{Command: proto.CmdEventAdd, DataType: uint16(proto.DBRDouble), Count: 1, CID: sid, Available: 3}, mon)
	hdr, payload = c.recv()
	require.Equal(proto.CmdEventAdd, hdr.Command)
	require.Equal(uint32(3), hdr.Available)
	require.InDelta(21.5, math.Float64frombits(binary.BigEndian.Uint64(payload)), 0)
	require.True(temp.Subscribed())

	require.NoError(temp.Set(mempv.Scalar(proto.DBRLong, 22)))
	hdr, payload = c.recv()
	require.Equal(proto.CmdEventAdd, hdr.Command)
	require.InDelta(22.0, math.Float64frombits(binary.BigEndian.Uint64(payload)), 0)

	// a client write is confirmed and posted to the subscription
	c.send(proto.Header{Command: proto.CmdWriteNotify, DataType: uint16(proto.DBRDouble), Count: 1, CID: sid, Available: 10}, doubleBytes(30))
	var confirmed, posted bool
	for !confirmed || !posted {
		hdr, payload = c.recv()
		switch hdr.Command {
		case proto.CmdWriteNotify:
			require.Equal(uint32(proto.ECANormal), hdr.CID)
			require.Equal(uint32(10), hdr.Available)
			confirmed = true
		case proto.CmdEventAdd:
			require.InDelta(30.0, math.Float64frombits(binary.BigEndian.Uint64(payload)), 0)
			posted = true
		default:
			require.Failf("unexpected message", "command %s", hdr.Command)
		}
	}
	v, _ := temp.Value()
	require.Equal("30", mempv.Format(v))

	// reads of a slow PV complete later
	hdr, _ = c.createChan("demo:slow", 4)
	slowSID := hdr.Available
	c.send(proto.Header{Command: proto.CmdReadNotify, DataType: uint16(proto.DBRDouble), Count: 1, CID: slowSID, Available: 11}, nil)
	hdr, payload = c.recv()
	require.Equal(proto.CmdReadNotify, hdr.Command)
	require.Equal(uint32(11), hdr.Available)
	require.InDelta(3.0, math.Float64frombits(binary.BigEndian.Uint64(payload)), 0)

	// removing a PV disconnects its channel
	require.NoError(tool.Remove("demo:temp"))
	hdr, _ = c.recvCmd(proto.CmdServerDisconn)
	require.Equal(uint32(1), hdr.CID)

	require.False(temp.Subscribed())
	require.Equal([]string{"demo:mode", "demo:slow"}, tool.Names())
}
