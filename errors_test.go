package campaign

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEngineErrorWrapping(t *testing.T) {
	err := NewEngineError(ErrorTypeStore, "connection refused")
	require.Equal(t, "store: connection refused", err.Error())
	require.Nil(t, err.Unwrap())

	original := errors.New("executor blew up")
	wrapped := newExecutorError("greet", original)
	require.Equal(t, `executor: node "greet": executor blew up`, wrapped.Error())
	require.True(t, errors.Is(wrapped, original))

	var engineErr *EngineError
	require.True(t, errors.As(fmt.Errorf("step failed: %w", wrapped), &engineErr))
	require.Equal(t, ErrorTypeExecutor, engineErr.Type)
}

func TestErrorClassification(t *testing.T) {
	classified := ClassifyError(context.DeadlineExceeded)
	require.Equal(t, ErrorTypeTimeout, classified.Type)
	require.True(t, errors.Is(classified, context.DeadlineExceeded))

	generic := errors.New("disk full")
	classified = ClassifyError(generic)
	require.Equal(t, ErrorTypeStore, classified.Type)
	require.True(t, errors.Is(classified, generic))

	structural := newStructuralError("bad graph", ErrDanglingEdge)
	require.Equal(t, structural, ClassifyError(structural))
}

func TestIsStructural(t *testing.T) {
	require.False(t, IsStructural(nil))
	require.False(t, IsStructural(errors.New("nope")))
	require.True(t, IsStructural(ErrMissingNodes))
	require.True(t, IsStructural(fmt.Errorf("load: %w", ErrNoEntryNode)))

	_, err := NewGraph(Definition{
		Nodes: []*Node{{ID: "start", Type: NodeTypeEntry}},
		Edges: []*Edge{{ID: "e1", Source: "start", Target: "ghost"}},
	})
	require.True(t, IsStructural(err))
	require.ErrorIs(t, err, ErrDanglingEdge)
}
