package exec

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDispatchByKind(t *testing.T) {
	reg := NewRegistry(NewLocalProcess(), NewFunction(), NewRemote(nil))

	rt, err := reg.Get(KindFunction)
	require.NoError(t, err)
	assert.Equal(t, KindFunction, rt.Kind())

	_, err = reg.Get(KindDocker)
	assert.Error(t, err)

	assert.Equal(t, []Kind{KindExecutable, KindFunction, KindRemote}, reg.Kinds())
	assert.Error(t, reg.Register(nil))
}

func TestFunctionRuntimeInvokesCallback(t *testing.T) {
	called := false
	rc, _ := testRunContext(t, Spec{Kind: KindFunction, Function: func(ctx context.Context, rc *RunContext) error {
		called = true
		assert.Equal(t, "from-env", rc.Env.Vars["CORAL_TEST"])
		return nil
	}})

	require.NoError(t, NewFunction().Execute(context.Background(), rc))
	assert.True(t, called)

	rc.Spec.Function = nil
	assert.Error(t, NewFunction().Execute(context.Background(), rc))
}

func TestRemoteRuntime(t *testing.T) {
	rc, _ := testRunContext(t, Spec{Kind: KindRemote, Endpoint: "https://elsewhere"})

	err := NewRemote(nil).Execute(context.Background(), rc)
	assert.True(t, errors.Is(err, ErrRemoteUnavailable))

	var got string
	remote := NewRemote(DelegateFunc(func(ctx context.Context, rc *RunContext) error {
		got = rc.Spec.Endpoint
		return nil
	}))
	require.NoError(t, remote.Execute(context.Background(), rc))
	assert.Equal(t, "https://elsewhere", got)
}
