package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataflow/strataflow/pkg/config"
	"github.com/strataflow/strataflow/pkg/connector/core"
	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/models"
)

type stubSource struct{}

func (stubSource) Initialize(ctx context.Context, cfg *config.ConnectorConfig) error { return nil }
func (stubSource) TestConnection(ctx context.Context) error                          { return nil }
func (stubSource) GetSchema(ctx context.Context, stream string) (*core.Schema, error) {
	return &core.Schema{Stream: stream}, nil
}
func (stubSource) Fetch(ctx context.Context, stream string, cursor core.Cursor) (*core.BatchStream, error) {
	return nil, nil
}
func (stubSource) MaxCursor(stream string, batch []*models.Record) core.Cursor { return core.None }
func (stubSource) SupportsIncremental() bool                                   { return false }
func (stubSource) Close(ctx context.Context) error                             { return nil }

func stubFactory(cfg *config.ConnectorConfig) (core.Source, error) {
	return stubSource{}, nil
}

func TestRegistry(t *testing.T) {
	t.Run("register and create", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("stub", stubFactory))

		src, err := r.Create("stub", config.NewConnectorConfig("c1", "stub"))
		require.NoError(t, err)
		assert.NotNil(t, src)
	})

	t.Run("duplicate tag is rejected", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("stub", stubFactory))

		err := r.Register("stub", stubFactory)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	})

	t.Run("unknown tag", func(t *testing.T) {
		r := NewRegistry()

		_, err := r.Create("nope", config.NewConnectorConfig("c1", "nope"))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeUnknownSourceType))
	})

	t.Run("has and list", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("b", stubFactory))
		require.NoError(t, r.Register("a", stubFactory))

		assert.True(t, r.Has("a"))
		assert.False(t, r.Has("c"))
		assert.Equal(t, []string{"a", "b"}, r.List())
	})

	t.Run("unregister", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("stub", stubFactory))
		r.Unregister("stub")
		assert.False(t, r.Has("stub"))
	})

	t.Run("factory error is wrapped", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("bad", func(cfg *config.ConnectorConfig) (core.Source, error) {
			return nil, errors.New(errors.ErrorTypeConfig, "boom")
		}))

		_, err := r.Create("bad", config.NewConnectorConfig("c1", "bad"))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	})
}
