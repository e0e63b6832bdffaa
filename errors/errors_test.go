package errors

import (
	"fmt"
	"io"
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/require"
)

func TestStackTrace(t *testing.T) {
	const testMsg = "test error"
	er := New(testMsg)

	require.Equal(t, testMsg, er.GetMessage())
	require.NotContains(t, er.GetStack(), "gomemcache/errors/errors.go")
	require.Contains(t, er.GetStack(), "TestStackTrace")

	for i, r := range er.GetStack() {
		if !(unicode.IsSpace(r) || unicode.IsPrint(r)) {
			t.Errorf("stack trace has an unexpected rune at index %v (%q)", i, r)
			break
		}
	}
}

func TestWrappedError(t *testing.T) {
	const (
		innerMsg  = "I am inner error"
		middleMsg = "I am the middle error"
		outerMsg  = "I am the mighty outer error"
	)
	inner := fmt.Errorf(innerMsg)
	middle := Wrap(inner, middleMsg)
	outer := Wrap(middle, outerMsg)

	require.Equal(
		t,
		outerMsg+": "+middleMsg+": "+innerMsg,
		outer.Error())
	require.Equal(t, outer.Error(), GetMessage(outer))
	require.True(t, strings.HasPrefix(DetailedMessage(outer), outer.Error()))
	require.Contains(t, DetailedMessage(outer), "ORIGINAL STACK TRACE")
}

func TestRootErrors(t *testing.T) {
	inner := fmt.Errorf("inner error")
	middle := Wrap(inner, "middle error")
	outer := Wrapf(middle, "outer error %d", 1)

	require.Equal(t, inner, RootError(outer))
	require.Equal(t, io.EOF, RootError(io.EOF))
}

func TestIsSeesThroughWrapping(t *testing.T) {
	sentinel := Sentinel("pool exhausted")
	wrapped := Wrapf(Wrap(sentinel, "acquire"), "node %s", "cache1:11211")

	require.True(t, Is(wrapped, sentinel))
	require.True(t, IsError(wrapped, sentinel))
	require.False(t, Is(wrapped, io.EOF))

	var stackErr StackError
	require.True(t, As(wrapped, &stackErr))
	require.Equal(t, "node cache1:11211", stackErr.GetMessage())
}

func TestIsErrorStringEquivalence(t *testing.T) {
	err := Wrap(fmt.Errorf("boom"), "context")
	require.True(t, IsError(err, fmt.Errorf("boom")))
	require.False(t, IsError(err, fmt.Errorf("bang")))
}

func TestStackAddrs(t *testing.T) {
	err := Newf("with %s", "addrs")
	addrs := err.StackAddrs()
	require.NotEmpty(t, addrs)
	require.True(t, strings.HasPrefix(addrs, "0x"))
	require.NotEmpty(t, err.StackFrames())
}
