package escalate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recorder(order *[]string, name string, value int, err error) Strategy[int] {
	return Strategy[int]{
		Name: name,
		Try: func(context.Context) (int, error) {
			*order = append(*order, name)
			return value, err
		},
	}
}

func TestRun_StopsAtFirstEffect(t *testing.T) {
	var order []string
	strategies := []Strategy[int]{
		recorder(&order, "a", 1, nil),
		recorder(&order, "b", 2, nil),
		recorder(&order, "c", 3, nil),
		recorder(&order, "d", 4, nil),
	}
	check := func(_ context.Context, v int) (bool, error) { return v == 3, nil }

	res, err := Run(context.Background(), strategies, check, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, "c", res.Strategy)
	assert.Equal(t, 2, res.Index)
	assert.Equal(t, 3, res.Value)
	assert.True(t, res.Succeeded())
	require.Len(t, res.Attempts, 3)
	assert.ErrorIs(t, res.Attempts[0].Err, ErrNoEffect)
	assert.True(t, res.Attempts[2].Effect)
}

func TestRun_ErrorsEscalate(t *testing.T) {
	var order []string
	strategies := []Strategy[int]{
		recorder(&order, "native", 0, errors.New("intercepted")),
		recorder(&order, "script", 0, nil),
	}

	res, err := Run(context.Background(), strategies, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "script", res.Strategy)
	assert.EqualError(t, res.Attempts[0].Err, "intercepted")
}

func TestRun_Exhausted(t *testing.T) {
	var order []string
	strategies := []Strategy[int]{
		recorder(&order, "a", 0, errors.New("boom")),
		recorder(&order, "b", 0, nil),
	}
	never := func(context.Context, int) (bool, error) { return false, nil }

	res, err := Run(context.Background(), strategies, never, Options{})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.False(t, res.Succeeded())
	assert.Len(t, res.Attempts, 2)
	assert.Contains(t, res.Summary(), "a: boom")
	assert.Contains(t, res.Summary(), "b: no observable effect")
}

func TestRun_AbortStopsChain(t *testing.T) {
	fatal := errors.New("session gone")
	var order []string
	strategies := []Strategy[int]{
		recorder(&order, "a", 0, fatal),
		recorder(&order, "b", 0, nil),
	}

	_, err := Run(context.Background(), strategies, nil, Options{
		Abort: func(err error) bool { return errors.Is(err, fatal) },
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, []string{"a"}, order)
}

func TestRun_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var order []string

	_, err := Run(ctx, []Strategy[int]{recorder(&order, "a", 0, nil)}, nil, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, order)
}

func TestRun_OnAttempt(t *testing.T) {
	var seen []string
	var order []string
	_, err := Run(context.Background(), []Strategy[int]{
		recorder(&order, "a", 0, errors.New("x")),
		recorder(&order, "b", 0, nil),
	}, nil, Options{OnAttempt: func(a Attempt) { seen = append(seen, a.Strategy) }})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, seen)
}
