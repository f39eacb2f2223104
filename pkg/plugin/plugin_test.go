package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorRPCServer_ExecuteTool(t *testing.T) {
	t.Run("returns result", func(t *testing.T) {
		fake := &fakeExecutor{}
		server := &ExecutorRPCServer{Impl: fake}

		var resp ExecuteToolResp
		require.NoError(t, server.ExecuteTool(&ExecuteToolArgs{
			Name:   "echo",
			Params: map[string]any{"text": "hi"},
		}, &resp))

		assert.Empty(t, resp.Err)
		assert.Equal(t, map[string]any{"tool": "echo"}, resp.Result)
		assert.Equal(t, map[string]any{"text": "hi"}, fake.lastParams)
	})

	t.Run("flattens error to text", func(t *testing.T) {
		fake := &fakeExecutor{err: errors.New("boom")}
		server := &ExecutorRPCServer{Impl: fake}

		var resp ExecuteToolResp
		require.NoError(t, server.ExecuteTool(&ExecuteToolArgs{Name: "echo"}, &resp))

		assert.Equal(t, "boom", resp.Err)
		assert.Nil(t, resp.Result)
	})
}

func TestExecutorRPCServer_Shutdown(t *testing.T) {
	fake := &fakeExecutor{}
	server := &ExecutorRPCServer{Impl: fake}

	var resp ShutdownResp
	require.NoError(t, server.Shutdown(&ShutdownArgs{}, &resp))

	assert.Empty(t, resp.Err)
	assert.True(t, fake.shutdown)
}
