package xerrors

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransportErrorUnwraps(t *testing.T) {
	err := NewTransportError("reading TPDU", io.ErrClosedPipe)
	require.ErrorIs(t, err, io.ErrClosedPipe)
	require.Contains(t, err.Error(), "reading TPDU")
}

func TestDisassociatedErrorFromCausePreservesUnderlyingError(t *testing.T) {
	cause := NewTransportError("reading TPDU", io.EOF)
	disassociated := NewDisassociatedErrorFromCause(cause)

	require.ErrorIs(t, disassociated, io.EOF)

	var transportErr *TransportError
	require.True(t, errors.As(disassociated, &transportErr))
	require.Equal(t, "reading TPDU", transportErr.Op)
}

func TestDisassociatedErrorWithoutCauseHasNilUnwrap(t *testing.T) {
	disassociated := NewDisassociatedError("peer sent ABRT")
	require.Nil(t, disassociated.Unwrap())
}
