package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var testPolicy = Policy{Window: 5 * time.Minute, MaxFails: 5, BlockFor: 10 * time.Minute}

func newPG(t *testing.T) (*PG, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewPG(mock, testPolicy)
	l.now = func() time.Time { return now }
	return l, mock, now
}

func TestPG_Allow(t *testing.T) {
	ip := HashIP("10.0.0.1")
	sel := `SELECT blocked_until FROM login_attempts WHERE username=\$1 AND ip_hash=\$2`

	cases := []struct {
		name    string
		row     func(mock pgxmock.PgxPoolIface, now time.Time)
		allowed bool
		wait    time.Duration
		wantErr bool
	}{
		{"no row", func(m pgxmock.PgxPoolIface, _ time.Time) {
			m.ExpectQuery(sel).WithArgs("ann", ip).WillReturnError(pgx.ErrNoRows)
		}, true, 0, false},
		{"blocked", func(m pgxmock.PgxPoolIface, now time.Time) {
			m.ExpectQuery(sel).WithArgs("ann", ip).
				WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(now.Add(3 * time.Minute)))
		}, false, 3 * time.Minute, false},
		{"block over", func(m pgxmock.PgxPoolIface, now time.Time) {
			m.ExpectQuery(sel).WithArgs("ann", ip).
				WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(now.Add(-time.Second)))
		}, true, 0, false},
		{"db error", func(m pgxmock.PgxPoolIface, _ time.Time) {
			m.ExpectQuery(sel).WithArgs("ann", ip).WillReturnError(errors.New("db down"))
		}, false, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, mock, now := newPG(t)
			tc.row(mock, now)
			ok, wait, err := l.Allow(context.Background(), "ann", ip)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.allowed, ok)
			require.Equal(t, tc.wait, wait)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPG_Success(t *testing.T) {
	l, mock, _ := newPG(t)
	ip := HashIP("10.0.0.1")

	mock.ExpectExec(`DELETE FROM login_attempts WHERE username=\$1 AND ip_hash=\$2`).
		WithArgs("ann", ip).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, l.Success(context.Background(), "ann", ip))

	mock.ExpectExec(`DELETE FROM login_attempts`).
		WithArgs("ann", ip).WillReturnError(errors.New("exec fail"))
	require.Error(t, l.Success(context.Background(), "ann", ip))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPG_Failure(t *testing.T) {
	ip := HashIP("10.0.0.1")
	upsert := `INSERT INTO login_attempts AS a`

	t.Run("below threshold", func(t *testing.T) {
		l, mock, now := newPG(t)
		mock.ExpectQuery(upsert).
			WithArgs("ann", ip, now, testPolicy.Window, testPolicy.MaxFails, now.Add(testPolicy.BlockFor)).
			WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(time.Unix(0, 0).UTC()))
		blocked, wait, err := l.Failure(context.Background(), "ann", ip)
		require.NoError(t, err)
		require.False(t, blocked)
		require.Zero(t, wait)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("threshold reached", func(t *testing.T) {
		l, mock, now := newPG(t)
		mock.ExpectQuery(upsert).
			WithArgs("ann", ip, now, testPolicy.Window, testPolicy.MaxFails, now.Add(testPolicy.BlockFor)).
			WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(now.Add(testPolicy.BlockFor)))
		blocked, wait, err := l.Failure(context.Background(), "ann", ip)
		require.NoError(t, err)
		require.True(t, blocked)
		require.Equal(t, testPolicy.BlockFor, wait)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("db error", func(t *testing.T) {
		l, mock, _ := newPG(t)
		mock.ExpectQuery(upsert).WillReturnError(errors.New("query error"))
		_, _, err := l.Failure(context.Background(), "ann", ip)
		require.Error(t, err)
	})
}

func TestHashIP(t *testing.T) {
	a, b, c := HashIP("1.2.3.4"), HashIP("1.2.3.4"), HashIP("5.6.7.8")
	require.Len(t, a, 32)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
