package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/taskrunner/internal/task"
)

func TestRegistry_Validate(t *testing.T) {
	r := Default()

	assert.NoError(t, r.Validate(KindSample, "00 11", 8))
	assert.NoError(t, r.Validate(KindWordCount, "to be or not", 1))

	cases := []struct {
		name  string
		kind  string
		input string
		shots int
	}{
		{"empty", KindSample, "", 8},
		{"blank", KindSample, "   \n", 8},
		{"zero shots", KindSample, "0 1", 0},
		{"too many shots", KindSample, "0 1", MaxShots + 1},
		{"unknown kind", "qasm", "0 1", 8},
		{"not bitstring", KindSample, "00 ab", 8},
		{"mixed width", KindSample, "00 1", 8},
		{"no words", KindWordCount, "!!! ???", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate(tc.kind, tc.input, tc.shots)
			require.Error(t, err)
			assert.True(t, errors.Is(err, task.ErrInvalidInput))
		})
	}
}

func TestSample(t *testing.T) {
	out := Sample(context.Background(), &task.Task{Input: "00 11", Shots: 1000})
	require.NoError(t, out.Err)

	total := 0
	for label, n := range out.Counts {
		assert.Contains(t, []string{"00", "11"}, label)
		total += n
	}
	assert.Equal(t, 1000, total)
}

func TestSample_ReturnsFreshMap(t *testing.T) {
	tsk := &task.Task{Input: "0", Shots: 4}
	first := Sample(context.Background(), tsk)
	first.Counts["extra"] = 99

	second := Sample(context.Background(), tsk)
	assert.Equal(t, task.Counts{"0": 4}, second.Counts)
}

func TestSample_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := Sample(ctx, &task.Task{Input: "0 1", Shots: 10})
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestSample_BadInput(t *testing.T) {
	out := Sample(context.Background(), &task.Task{Input: "OPENQASM 3.0;", Shots: 4})
	assert.Error(t, out.Err)
	assert.Nil(t, out.Counts)
}

func TestWordCount(t *testing.T) {
	out := WordCount(context.Background(), &task.Task{Input: "To be, or not to BE."})
	require.NoError(t, out.Err)
	assert.Equal(t, task.Counts{"to": 2, "be": 2, "or": 1, "not": 1}, out.Counts)
}

func TestEcho(t *testing.T) {
	out := Echo(context.Background(), &task.Task{Input: " hello "})
	require.NoError(t, out.Err)
	assert.Equal(t, task.Counts{"hello": 1}, out.Counts)
}

func TestRegistry_ExecuteRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.Register("boom", Payload{Execute: func(ctx context.Context, t *task.Task) Outcome {
		panic("kaboom")
	}})

	out := r.Execute(context.Background(), &task.Task{Kind: "boom"})
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "kaboom")
}

func TestRegistry_ExecuteUnknownKind(t *testing.T) {
	out := Default().Execute(context.Background(), &task.Task{Kind: "nope"})
	assert.Error(t, out.Err)
}
