package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/subgraph-runtime/abi"
	"github.com/wippyai/subgraph-runtime/chain"
)

func TestSetForcesID(t *testing.T) {
	key := Key{Deployment: "QmA", EntityType: "Token", EntityID: "0x1"}
	op := Set(key, Data{"id": abi.String("other"), "name": abi.String("GRT")})

	id, ok := op.Data.ID()
	require.True(t, ok)
	assert.Equal(t, "0x1", id)
	assert.Equal(t, OpSet, op.Kind)
}

func TestSetDoesNotAliasInput(t *testing.T) {
	data := Data{"name": abi.String("a")}
	op := Set(Key{EntityID: "1"}, data)
	data["name"] = abi.String("b")

	assert.True(t, op.Data["name"].Equal(abi.String("a")))
	_, hasID := data[IDAttribute]
	assert.False(t, hasID)
}

func TestMerge(t *testing.T) {
	base := Data{"a": abi.I32(1), "b": abi.I32(2)}
	out := base.Merge(Data{"b": abi.Null(), "c": abi.I32(3)})

	assert.Equal(t, []string{"a", "c"}, out.Keys())
	assert.Len(t, base, 2)
}

func TestDataFromValue(t *testing.T) {
	d, err := DataFromValue(abi.Map(abi.E("x", abi.I32(1)), abi.E("x", abi.I32(2))))
	require.NoError(t, err)
	assert.True(t, d["x"].Equal(abi.I32(2)))

	_, err = DataFromValue(abi.String("nope"))
	assert.Error(t, err)

	v := Data{"b": abi.Bool(true), "a": abi.String("x")}.ToValue()
	entries, _ := v.AsMap()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Key)
}

func TestFailedOperations(t *testing.T) {
	ops := FailedOperations("QmBad", true)
	require.Len(t, ops, 1)
	assert.Equal(t, DeploymentKey("QmBad"), ops[0].Key)
	assert.True(t, ops[0].Data[FailedAttribute].Equal(abi.Bool(true)))
}

func TestEventSource(t *testing.T) {
	assert.Equal(t, "none", NoEventSource().String())
	src := BlockSource(chain.BlockPtr{Number: 5, Hash: "0x5"})
	assert.Equal(t, uint64(5), src.Block.Number)
}
