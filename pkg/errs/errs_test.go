package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("open: %w", &Error{Kind: KindHandshake, Op: "handshake", Msg: "kex failed"})

	assert.True(t, errors.Is(err, ErrHandshake))
	assert.False(t, errors.Is(err, ErrSocket))
	assert.Equal(t, KindHandshake, KindOf(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindSocket, "connect", cause)

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrSocket)
	assert.Nil(t, Wrap(KindSocket, "connect", nil))
}

func TestErrorStringCarriesProtocolCode(t *testing.T) {
	err := &Error{Kind: KindProtocol, Op: "stat", Code: 2, Msg: "No such file"}
	assert.Equal(t, "sftp stat: protocol: No such file (code 2)", err.Error())
}

func TestUserMessageSeparatesAuthFromConnectivity(t *testing.T) {
	auth := UserMessage(New(KindAuthExhausted, "auth", "no method left"))
	conn := UserMessage(New(KindSocket, "connect", "refused"))

	assert.Contains(t, auth, "认证失败")
	assert.Contains(t, conn, "连接失败")
	assert.NotEqual(t, auth, conn)
	assert.Equal(t, "", UserMessage(nil))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("x")))
}
