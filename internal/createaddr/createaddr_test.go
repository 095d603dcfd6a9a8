package createaddr

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestPredictIsDeterministic(t *testing.T) {
	sender := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	a, err := Predict(sender, 7)
	require.NoError(t, err)
	b, err := Predict(sender, 7)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestPredictVariesWithSender(t *testing.T) {
	a, err := Predict(common.HexToAddress("0x1"), 0)
	require.NoError(t, err)
	b, err := Predict(common.HexToAddress("0x2"), 0)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestPredictVariesWithNonce(t *testing.T) {
	sender := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	a0, err := Predict(sender, 0)
	require.NoError(t, err)
	a1, err := Predict(sender, 1)
	require.NoError(t, err)
	require.NotEqual(t, a0, a1)
}

func TestPredictUndeployedIsTwoHop(t *testing.T) {
	sender := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	runner, err := Predict(sender, 0)
	require.NoError(t, err)
	want, err := Predict(runner, 1)
	require.NoError(t, err)

	got, err := PredictUndeployed(sender, 0)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
