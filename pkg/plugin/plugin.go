// Package plugin bridges external tool plugins into the tool registry.
//
// A plugin is a standalone executable living in its own subdirectory of
// the plugins root, next to a plugin.json manifest that declares the
// tools it serves. The host validates the manifest, spawns the
// executable through hashicorp/go-plugin, and proxies tool calls to it
// over net/rpc for as long as the host runs.
package plugin

import (
	"context"
	"errors"
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Handshake is used to verify that the plugin and host are compatible
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "OPENCLAW_PLUGIN",
	MagicCookieValue: "openclaw-tool-plugin-v1",
}

// dispenseName is the key host and plugin agree on for the executor.
const dispenseName = "tools"

// PluginMap is the map of plugins we can dispense
var PluginMap = map[string]plugin.Plugin{
	dispenseName: &ExecutorPlugin{},
}

// Executor is the interface a tool plugin implements. ExecuteTool runs
// one of the tools declared in the plugin's manifest. Shutdown is
// called once before the host kills the plugin process.
type Executor interface {
	ExecuteTool(ctx context.Context, name string, params map[string]any) (map[string]any, error)
	Shutdown(ctx context.Context) error
}

// ExecutorPlugin is the implementation of plugin.Plugin for RPC
type ExecutorPlugin struct {
	Impl Executor
}

func (p *ExecutorPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &ExecutorRPCServer{Impl: p.Impl}, nil
}

func (p *ExecutorPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &ExecutorRPCClient{client: c}, nil
}

// ExecutorRPCServer is the RPC server that ExecutorRPCClient talks to
type ExecutorRPCServer struct {
	Impl Executor
}

// ExecuteToolArgs are the arguments for the ExecuteTool RPC call
type ExecuteToolArgs struct {
	Name   string
	Params map[string]any
}

// ExecuteToolResp is the response for the ExecuteTool RPC call. Err
// carries the tool error as text; error values do not survive the gob
// boundary.
type ExecuteToolResp struct {
	Result map[string]any
	Err    string
}

func (s *ExecutorRPCServer) ExecuteTool(args *ExecuteToolArgs, resp *ExecuteToolResp) error {
	result, err := s.Impl.ExecuteTool(context.Background(), args.Name, args.Params)
	resp.Result = result
	if err != nil {
		resp.Err = err.Error()
	}
	return nil
}

// ShutdownArgs are the arguments for the Shutdown RPC call
type ShutdownArgs struct{}

// ShutdownResp is the response for the Shutdown RPC call
type ShutdownResp struct {
	Err string
}

func (s *ExecutorRPCServer) Shutdown(args *ShutdownArgs, resp *ShutdownResp) error {
	if err := s.Impl.Shutdown(context.Background()); err != nil {
		resp.Err = err.Error()
	}
	return nil
}

// ExecutorRPCClient is the RPC client that talks to ExecutorRPCServer.
// The context arguments satisfy Executor; net/rpc itself has no way to
// carry a deadline across the process boundary.
type ExecutorRPCClient struct {
	client *rpc.Client
}

func (c *ExecutorRPCClient) ExecuteTool(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	var resp ExecuteToolResp
	if err := c.client.Call("Plugin.ExecuteTool", &ExecuteToolArgs{Name: name, Params: params}, &resp); err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, errors.New(resp.Err)
	}
	return resp.Result, nil
}

func (c *ExecutorRPCClient) Shutdown(ctx context.Context) error {
	var resp ShutdownResp
	if err := c.client.Call("Plugin.Shutdown", &ShutdownArgs{}, &resp); err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	return nil
}

// Serve runs a tool plugin. Plugin main functions call this with their
// Executor implementation; it blocks until the host disconnects.
func Serve(impl Executor) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			dispenseName: &ExecutorPlugin{Impl: impl},
		},
	})
}
