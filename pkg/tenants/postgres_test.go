package tenants

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnihub/pkg/faults"
)

type stubScanner struct {
	err error
}

func (s stubScanner) Scan(dest ...any) error { return s.err }

func TestScanConnectionErrorMapping(t *testing.T) {
	_, err := scanConnection(stubScanner{err: pgx.ErrNoRows})
	assert.ErrorIs(t, err, faults.ErrNotConnected, "absent row means not connected")

	outage := errors.New("connection reset by peer")
	_, err = scanConnection(stubScanner{err: outage})
	require.Error(t, err)
	assert.NotErrorIs(t, err, faults.ErrNotConnected, "infra failures must not read as reconnect prompts")
	assert.ErrorIs(t, err, outage)
}
