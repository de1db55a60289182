package repeat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepeater_AllSucceed(t *testing.T) {
	items := []any{"a", "b", "c"}
	var seen []string

	r := New(items, func(item any) error {
		seen = append(seen, item.(string))
		return nil
	})

	err := r.Run(func(error) string { return "" })
	require.NoError(t, err)
	assert.Equal(t, items, toAny(seen))
	assert.Empty(t, r.Errors)
}

func TestRepeater_HandledErrorsContinue(t *testing.T) {
	items := []any{"job1", "bad", "job3"}

	r := New(items, func(item any) error {
		if item == "bad" {
			return errors.New("job not suitable")
		}
		return nil
	})

	handled := false
	r.OnError("unsuitable", func(err error, rep *Repeater) {
		handled = true
		assert.Equal(t, "bad", rep.CurrentItem())
	})

	err := r.Run(func(error) string { return "unsuitable" })
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors, 1)
}

func TestRepeater_UnhandledErrorPropagates(t *testing.T) {
	items := []any{"job1", "bad"}
	sentinel := errors.New("fatal")

	r := New(items, func(item any) error {
		if item == "bad" {
			return sentinel
		}
		return nil
	})

	err := r.Run(func(error) string { return "" })
	require.ErrorIs(t, err, sentinel)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
