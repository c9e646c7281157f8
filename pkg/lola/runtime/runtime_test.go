package runtime_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/lola/pkg/lola/config"
	"github.com/cuemby/lola/pkg/lola/runtime"
)

func TestNew_DefaultsConfigAndMessaging(t *testing.T) {
	rt := runtime.New(42, nil, nil, nil)
	require.Equal(t, uint32(42), rt.UID)
	require.NotZero(t, rt.PID)
	require.NotNil(t, rt.Config)
	require.NotNil(t, rt.Messaging)
}

func TestSetGet(t *testing.T) {
	rt := runtime.New(7, config.Default(), nil, nil)
	runtime.Set(rt)
	require.Same(t, rt, runtime.Get())
}
