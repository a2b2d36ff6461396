package dbx_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcodd23/go-txcore/pkg/dbx"
	"github.com/marcodd23/go-txcore/pkg/dbx/dbxtest"
)

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, dbx.Classify(nil))
}

func TestClassifyByCode(t *testing.T) {
	tests := []struct {
		name string
		code string
		want dbx.Kind
	}{
		{name: "in failed sql transaction", code: "25P02", want: dbx.KindPoisonedTransaction},
		{name: "deadlock detected", code: "40P01", want: dbx.KindDeadlockDetected},
		{name: "syntax error", code: "42601", want: dbx.KindSyntaxError},
		{name: "undefined table", code: "42P01", want: dbx.KindSyntaxError},
		{name: "undefined column", code: "42703", want: dbx.KindSyntaxError},
		{name: "unique violation", code: "23505", want: dbx.KindConstraintViolation},
		{name: "foreign key violation", code: "23503", want: dbx.KindConstraintViolation},
		{name: "not null violation", code: "23502", want: dbx.KindConstraintViolation},
		{name: "serialization failure", code: "40001", want: dbx.KindOther},
		{name: "insufficient privilege", code: "2F004", want: dbx.KindOther},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cls := dbx.Classify(dbxtest.PgError(tc.code, tc.name))
			require.NotNil(t, cls)
			assert.Equal(t, tc.want, cls.Kind)
			assert.Equal(t, tc.code, cls.Code)
			assert.Equal(t, tc.name, cls.Message)
		})
	}
}

func TestClassifyIsStable(t *testing.T) {
	raw := dbxtest.PgError("40P01", "deadlock detected")

	first := dbx.Classify(raw)
	second := dbx.Classify(raw)

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.Kind, second.Kind)
	assert.Equal(t, first.Code, second.Code)
}

func TestClassifyWrappedError(t *testing.T) {
	raw := dbxtest.PgError("23505", "duplicate key value violates unique constraint")
	wrapped := fmt.Errorf("inserting account: %w", raw)

	cls := dbx.Classify(wrapped)
	require.NotNil(t, cls)
	assert.Equal(t, dbx.KindConstraintViolation, cls.Kind)
	assert.ErrorIs(t, cls, raw)
}

func TestClassifyAlreadyClassifiedPassesThrough(t *testing.T) {
	cls := dbx.Classify(dbxtest.PgError("25P02", "transaction aborted"))

	again := dbx.Classify(fmt.Errorf("retry attempt 2: %w", cls))
	assert.Same(t, cls, again)
}

func TestClassifyUnknownError(t *testing.T) {
	cls := dbx.Classify(errors.New("connection reset by peer"))
	require.NotNil(t, cls)
	assert.Equal(t, dbx.KindOther, cls.Kind)
	assert.Empty(t, cls.Code)
}

func TestIsPoisonedAndIsDeadlock(t *testing.T) {
	assert.True(t, dbx.IsPoisoned(dbxtest.PgError("25P02", "aborted")))
	assert.False(t, dbx.IsPoisoned(dbxtest.PgError("42601", "syntax error")))
	assert.False(t, dbx.IsPoisoned(nil))

	assert.True(t, dbx.IsDeadlock(dbxtest.PgError("40P01", "deadlock detected")))
	assert.False(t, dbx.IsDeadlock(errors.New("boom")))
	assert.False(t, dbx.IsDeadlock(nil))
}
