package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restmcp/gateway/internal/jsonrpc"
)

func reqID(t *testing.T, raw string) *jsonrpc.RequestID {
	t.Helper()
	var id jsonrpc.RequestID
	require.NoError(t, json.Unmarshal([]byte(raw), &id))
	return &id
}

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "echoes its arguments",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler: func(_ context.Context, args json.RawMessage, bearer string) (*ToolResult, error) {
			return &ToolResult{Content: TextContent(string(args) + "|" + bearer)}, nil
		},
	}
}

func TestDispatch_ToolsListSorted(t *testing.T) {
	d := New(nil)
	require.NoError(t, d.RegisterTool(echoTool("zeta")))
	require.NoError(t, d.RegisterTool(echoTool("alpha")))

	res := d.Dispatch(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.Version, Method: "tools/list", ID: reqID(t, `1`),
	}, "")
	require.Nil(t, res.Error)

	var body struct {
		Tools []Tool `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &body))
	require.Len(t, body.Tools, 2)
	assert.Equal(t, "alpha", body.Tools[0].Name)
	assert.Equal(t, "zeta", body.Tools[1].Name)
}

func TestDispatch_ToolCallCarriesBearer(t *testing.T) {
	d := New(nil)
	require.NoError(t, d.RegisterTool(echoTool("echo")))

	res := d.Dispatch(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.Version,
		Method:         "tools/call",
		Params:         json.RawMessage(`{"name":"echo","arguments":{"x":1}}`),
		ID:             reqID(t, `2`),
	}, "tok-123")
	require.Nil(t, res.Error)

	var tr ToolResult
	require.NoError(t, json.Unmarshal(res.Result, &tr))
	require.Len(t, tr.Content, 1)
	assert.Contains(t, tr.Content[0].Text, "tok-123")
	assert.False(t, tr.IsError)
}

func TestDispatch_ToolFailureBecomesErrorResult(t *testing.T) {
	d := New(nil)
	require.NoError(t, d.RegisterTool(Tool{
		Name: "broken",
		Handler: func(context.Context, json.RawMessage, string) (*ToolResult, error) {
			return nil, errors.New("backend exploded")
		},
	}))

	res := d.Dispatch(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.Version,
		Method:         "tools/call",
		Params:         json.RawMessage(`{"name":"broken"}`),
		ID:             reqID(t, `3`),
	}, "")

	// Domain failures travel as isError results, not protocol errors.
	require.Nil(t, res.Error)
	var tr ToolResult
	require.NoError(t, json.Unmarshal(res.Result, &tr))
	assert.True(t, tr.IsError)
	assert.Contains(t, tr.Content[0].Text, "backend exploded")
}

func TestDispatch_UnknownToolAndMethod(t *testing.T) {
	d := New(nil)

	res := d.Dispatch(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.Version,
		Method:         "tools/call",
		Params:         json.RawMessage(`{"name":"nope"}`),
		ID:             reqID(t, `4`),
	}, "")
	require.Nil(t, res.Error)
	var tr ToolResult
	require.NoError(t, json.Unmarshal(res.Result, &tr))
	assert.True(t, tr.IsError)

	res = d.Dispatch(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.Version, Method: "wat/huh", ID: reqID(t, `5`),
	}, "")
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.ErrorCodeMethodNotFound, res.Error.Code)
}

func TestDispatch_Resources(t *testing.T) {
	d := New(nil)
	require.NoError(t, d.RegisterResource(Resource{
		URI:      "doc://guide",
		Name:     "guide",
		MimeType: "text/markdown",
		Reader: func(context.Context) (string, string, error) {
			return "", "# Guide", nil
		},
	}))

	res := d.Dispatch(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.Version,
		Method:         "resources/read",
		Params:         json.RawMessage(`{"uri":"doc://guide"}`),
		ID:             reqID(t, `6`),
	}, "")
	require.Nil(t, res.Error)

	var body struct {
		Contents []map[string]string `json:"contents"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &body))
	require.Len(t, body.Contents, 1)
	assert.Equal(t, "text/markdown", body.Contents[0]["mimeType"])
	assert.Equal(t, "# Guide", body.Contents[0]["text"])
}
