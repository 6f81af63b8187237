package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"clusterkit/internal/trigger"
	logx "clusterkit/pkg/logx"
)

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

func TestPostgres_Read_Success(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgres(db, "", logx.Nop())
	ctx := context.Background()
	ls := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	row := &mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*int64) = ls.UnixNano() // last_scheduled
		*dest[1].(*int64) = 0             // last_actual
		*dest[2].(*int64) = 0             // last_completion
		*dest[3].(*int64) = int64(time.Minute)
		*dest[4].(*string) = "log"
		*dest[5].(*[]byte) = []byte(`"x"`)
		*dest[6].(*bool) = false
		*dest[7].(*int64) = 4
		return nil
	}}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"dynamic", "a"}).Return(row)

	tc, err := st.Read(ctx, trigger.DirDynamic, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", tc.Name)
	assert.True(t, tc.LastScheduled.Equal(ls))
	assert.True(t, tc.LastActual.IsZero())
	assert.Equal(t, time.Minute, tc.Period)
	assert.Equal(t, int64(4), tc.Version)
	db.AssertExpectations(t)
}

func TestPostgres_Read_NotFound(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgres(db, "", logx.Nop())
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"static", "x"}).Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := st.Read(ctx, trigger.DirStatic, "x")
	assert.ErrorIs(t, err, trigger.ErrNoNode)
	db.AssertExpectations(t)
}

func TestPostgres_Create_Conflict(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgres(db, "", logx.Nop())
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	err := st.Create(ctx, trigger.DirDynamic, "a", &trigger.Context{Bean: "log"})
	assert.ErrorIs(t, err, trigger.ErrNodeExists)
	db.AssertExpectations(t)
}

func TestPostgres_Create_Success(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgres(db, "", logx.Nop())
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	tc := &trigger.Context{Bean: "log"}
	require.NoError(t, st.Create(ctx, trigger.DirDynamic, "a", tc))
	assert.Equal(t, int64(1), tc.Version)
	db.AssertExpectations(t)
}

func TestPostgres_CAS_Applied(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgres(db, "", logx.Nop())
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	tc := &trigger.Context{Version: 3}
	require.NoError(t, st.CompareAndSwap(ctx, trigger.DirStatic, "job", tc))
	assert.Equal(t, int64(4), tc.Version)
	db.AssertExpectations(t)
}

func TestPostgres_CAS_Conflict(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgres(db, "", logx.Nop())
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"static", "job"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int) = 1
			return nil
		}})

	err := st.CompareAndSwap(ctx, trigger.DirStatic, "job", &trigger.Context{Version: 3})
	assert.ErrorIs(t, err, trigger.ErrVersionConflict)
	db.AssertExpectations(t)
}

func TestPostgres_CAS_Vanished(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgres(db, "", logx.Nop())
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"static", "job"}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	err := st.CompareAndSwap(ctx, trigger.DirStatic, "job", &trigger.Context{Version: 3})
	assert.ErrorIs(t, err, trigger.ErrNoNode)
	db.AssertExpectations(t)
}

func TestPostgres_CompletionNotLater(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgres(db, "", logx.Nop())
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"static", "job"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int) = 1
			return nil
		}})

	ok, err := st.SetCompletionIfLater(ctx, trigger.DirStatic, "job", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	db.AssertExpectations(t)
}

func TestPostgres_ExecError(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgres(db, "", logx.Nop())
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := st.CompareAndSwap(ctx, trigger.DirStatic, "job", &trigger.Context{Version: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, trigger.ErrVersionConflict)
	assert.NotErrorIs(t, err, trigger.ErrNoNode)
}
