package mcpserver

import "encoding/json"

const jsonRPCVersion = "2.0"

// rpcMessage is an inbound JSON-RPC request or notification. Notifications
// carry no id.
type rpcMessage struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (m rpcMessage) isNotification() bool { return len(m.ID) == 0 }

type rpcReply struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func resultReply(id json.RawMessage, result any) rpcReply {
	return rpcReply{Version: jsonRPCVersion, ID: id, Result: result}
}

func errorReply(id json.RawMessage, code int, message string, data any) rpcReply {
	return rpcReply{Version: jsonRPCVersion, ID: id, Error: &rpcError{Code: code, Message: message, Data: data}}
}

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type handshake struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

// handshakeRequest is the subset of initialize params the server logs.
type handshakeRequest struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      implementation `json:"clientInfo"`
}

type toolCatalog struct {
	Tools []tool `json:"tools"`
}

// toolHints mirrors the MCP tool annotation object.
type toolHints struct {
	ReadOnly    bool `json:"readOnlyHint"`
	Destructive bool `json:"destructiveHint"`
	Idempotent  bool `json:"idempotentHint"`
	OpenWorld   bool `json:"openWorldHint"`
}

type tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	Annotations *toolHints     `json:"annotations,omitempty"`
}

type toolInvocation struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type toolCallResult struct {
	Content           []toolContent `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError,omitempty"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
