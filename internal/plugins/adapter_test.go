package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeToolPlugin is a hand-rolled ToolPlugin stub standing in for a real
// plugin process's RPC client, the same way the teacher's channel tests
// stub out a network-backed dependency rather than hitting one for real.
type fakeToolPlugin struct {
	reply *ExecuteReply
	err   error
	got   ExecuteArgs
}

func (f *fakeToolPlugin) Execute(args ExecuteArgs) (*ExecuteReply, error) {
	f.got = args
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func TestToolAdapter_NameDescriptionParameters(t *testing.T) {
	a := &toolAdapter{spec: ToolSpec{
		Name:        "echo",
		Description: "echoes input",
		Parameters:  map[string]interface{}{"text": "string"},
	}}
	assert.Equal(t, "echo", a.Name())
	assert.Equal(t, "echoes input", a.Description())
	assert.Equal(t, map[string]interface{}{"text": "string"}, a.Parameters())
}

func TestToolAdapter_ParametersNilBecomesEmptyMap(t *testing.T) {
	a := &toolAdapter{spec: ToolSpec{Name: "echo"}}
	assert.NotNil(t, a.Parameters())
	assert.Empty(t, a.Parameters())
}

func TestToolAdapter_ExecuteSuccess(t *testing.T) {
	fp := &fakeToolPlugin{reply: &ExecuteReply{ForLLM: "done", ForUser: "ok"}}
	a := &toolAdapter{spec: ToolSpec{Name: "echo"}, client: fp}

	res := a.Execute(context.Background(), map[string]interface{}{"text": "hi"})
	require.NotNil(t, res)
	assert.Equal(t, "done", res.ForLLM)
	assert.Equal(t, "ok", res.ForUser)
	assert.False(t, res.IsError)
	assert.Equal(t, "echo", fp.got.ToolName)
	assert.Equal(t, "hi", fp.got.Args["text"])
}

func TestToolAdapter_ExecuteRPCFailure(t *testing.T) {
	fp := &fakeToolPlugin{err: assertError("connection reset")}
	a := &toolAdapter{spec: ToolSpec{Name: "echo"}, client: fp}

	res := a.Execute(context.Background(), nil)
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	require.Error(t, res.Err)
	assert.Contains(t, res.ForLLM, "echo")
}

func TestToolAdapter_ExecuteReplyErrMessage(t *testing.T) {
	fp := &fakeToolPlugin{reply: &ExecuteReply{IsError: true, ErrMessage: "bad args"}}
	a := &toolAdapter{spec: ToolSpec{Name: "echo"}, client: fp}

	res := a.Execute(context.Background(), nil)
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "bad args")
}

type assertError string

func (e assertError) Error() string { return string(e) }
