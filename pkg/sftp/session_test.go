package sftp

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wentf9/xops-sftpfs/pkg/errs"
	"github.com/wentf9/xops-sftpfs/pkg/iopump"
)

// scriptedServer 对每个请求调用 reply, reply 返回 nil 表示不响应
type scriptedServer struct {
	conn  net.Conn
	reply func(p *packet) []byte
}

func (s *scriptedServer) serve() {
	for {
		p, err := readPacket(s.conn)
		if err != nil {
			return
		}
		if p.typ == fxpInit {
			b := &buffer{b: make([]byte, 4)}
			b.appendUint8(fxpVersion)
			b.appendUint32(protocolVersion)
			s.conn.Write(b.packetBytes())
			continue
		}
		if out := s.reply(p); out != nil {
			if _, err := s.conn.Write(out); err != nil {
				return
			}
		}
	}
}

func newScriptedClient(t *testing.T, reply func(p *packet) []byte) (*Client, net.Conn) {
	t.Helper()
	cliConn, srvConn := net.Pipe()
	srv := &scriptedServer{conn: srvConn, reply: reply}
	go srv.serve()

	c := NewClient(NewSession(cliConn), WithWaitTimeout(time.Second))
	t.Cleanup(func() {
		c.Close()
		srvConn.Close()
	})
	require.NoError(t, c.Init(context.Background()))
	return c, srvConn
}

func attrsReply(id uint32, a *Attributes) []byte {
	b := newMarshalBuffer(fxpAttrs, id)
	a.marshal(b)
	return b.packetBytes()
}

func requestPath(p *packet) string {
	b := &buffer{b: p.payload}
	s, _ := b.consumeString()
	return s
}

func TestStatCopiesOnlyFlaggedFields(t *testing.T) {
	c, _ := newScriptedClient(t, func(p *packet) []byte {
		return attrsReply(p.id, &Attributes{
			Flags:       attrSize | attrPermissions,
			Size:        42,
			Permissions: modeRegular | 0o640,
		})
	})

	before := time.Unix(1700000000, 0)
	st := StatRecord{UID: 7, GID: 8, ATime: before, MTime: before, CTime: before}
	require.NoError(t, c.Stat(context.Background(), "/f", &st))

	assert.Equal(t, int64(42), st.Size)
	assert.Equal(t, uint32(modeRegular|0o640), st.Mode)
	assert.Equal(t, os.FileMode(0o640), st.FileMode())
	assert.Equal(t, uint32(7), st.UID)
	assert.Equal(t, uint32(8), st.GID)
	assert.Equal(t, before, st.ATime)
	assert.Equal(t, before, st.MTime)
	assert.Equal(t, before, st.CTime)
}

func TestStatTimesSetCtimeFromMtime(t *testing.T) {
	c, _ := newScriptedClient(t, func(p *packet) []byte {
		return attrsReply(p.id, &Attributes{Flags: attrACModTime | attrUIDGID, ATime: 10, MTime: 20, UID: 1, GID: 2})
	})

	st := StatRecord{Size: 99}
	require.NoError(t, c.Lstat(context.Background(), "/f", &st))

	assert.Equal(t, int64(99), st.Size)
	assert.Equal(t, time.Unix(20, 0), st.MTime)
	assert.Equal(t, st.MTime, st.CTime)
	assert.Equal(t, time.Unix(10, 0), st.ATime)
	assert.Equal(t, uint32(1), st.UID)
}

func TestEmptyNameBatchEndsListing(t *testing.T) {
	c, _ := newScriptedClient(t, func(p *packet) []byte {
		switch p.typ {
		case fxpOpendir:
			b := newMarshalBuffer(fxpHandle, p.id)
			b.appendString("h1")
			return b.packetBytes()
		case fxpReaddir:
			b := newMarshalBuffer(fxpName, p.id)
			b.appendUint32(0)
			return b.packetBytes()
		case fxpClose:
			b := newMarshalBuffer(fxpStatus, p.id)
			b.appendUint32(StatusOK)
			b.appendString("")
			b.appendString("")
			return b.packetBytes()
		}
		return nil
	})
	ctx := context.Background()

	d, err := c.OpenDir(ctx, "/empty")
	require.NoError(t, err)
	_, ok, err := d.Next(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, d.Close(ctx))
}

func TestAbandonedResponseIsDropped(t *testing.T) {
	c, _ := newScriptedClient(t, func(p *packet) []byte {
		return attrsReply(p.id, &Attributes{Flags: attrSize, Size: uint64(len(requestPath(p)))})
	})
	s := c.sess

	// 发出 /a 后不再等待, 换成另一个操作
	_, err := s.stat(fxpStat, "stat", "/a")
	_, pendingErr := iopump.IsNotReady(err)
	require.True(t, pendingErr)

	attrs, err := iopump.Do(context.Background(), c.pump, "stat", func() (*Attributes, error) {
		return s.stat(fxpStat, "stat", "/bbb")
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), attrs.Size)

	// 之后的操作不会拿到 /a 的迟到响应
	var st StatRecord
	require.NoError(t, c.Stat(context.Background(), "/cc", &st))
	assert.Equal(t, int64(3), st.Size)
}

func TestConnectionLossIsSocketError(t *testing.T) {
	c, srv := newScriptedClient(t, func(p *packet) []byte { return nil })

	go func() {
		time.Sleep(20 * time.Millisecond)
		srv.Close()
	}()

	var st StatRecord
	err := c.Stat(context.Background(), "/f", &st)
	require.Error(t, err)
	assert.Equal(t, errs.KindSocket, errs.KindOf(err))

	code, _ := c.sess.LastError()
	assert.Equal(t, StatusConnectionLost, code)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("session not marked done")
	}
}

func TestCancelledWaitReportsCancelled(t *testing.T) {
	c, _ := newScriptedClient(t, func(p *packet) []byte { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var st StatRecord
	err := c.Stat(ctx, "/f", &st)
	assert.ErrorIs(t, err, errs.ErrCancelled)
}
