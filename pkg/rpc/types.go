package rpc

import (
	"encoding/json"

	"github.com/fortiblox/qvm/pkg/modstore"
	"github.com/fortiblox/qvm/pkg/snapshot"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding types for module images.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// ModuleInfo describes a stored module.
type ModuleInfo struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Size             int    `json:"size"`
	InstructionCount int32  `json:"instructionCount"`
	CodeLength       int32  `json:"codeLength"`
	DataLength       int32  `json:"dataLength"`
	LitLength        int32  `json:"litLength"`
	BssLength        int32  `json:"bssLength"`
	ArenaSize        uint32 `json:"arenaSize"`
	AddedAt          int64  `json:"addedAt"` // Unix seconds

	// Data is [encoded image, encoding], set by getModule only.
	Data []string `json:"data,omitempty"`
}

// ModuleConfig configures getModule requests.
type ModuleConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
}

// CallConfig configures callModule requests.
type CallConfig struct {
	Command         int32   `json:"command"`
	Args            []int32 `json:"args,omitempty"`
	MaxInstructions *uint64 `json:"maxInstructions,omitempty"`
	TimeoutMs       int64   `json:"timeoutMs,omitempty"`

	// Restore loads the arena from this snapshot label before the call.
	Restore string `json:"restore,omitempty"`

	// Save stores the arena under this snapshot label after a successful
	// call.
	Save string `json:"save,omitempty"`
}

// CallResult is the result of callModule.
type CallResult struct {
	Module       string `json:"module"`
	Result       int32  `json:"result"`
	Instructions uint64 `json:"instructions"`
	Output       string `json:"output"`
	Truncated    bool   `json:"truncated,omitempty"`
	Snapshot     string `json:"snapshot,omitempty"`
}

// CallFailure is attached as data to ExecutionFailed errors.
type CallFailure struct {
	ErrorCode    int32  `json:"errorCode"`
	Kind         string `json:"kind"`
	Instructions uint64 `json:"instructions"`
	Output       string `json:"output"`
}

// SnapshotInfo describes a stored arena snapshot.
type SnapshotInfo struct {
	Label     string `json:"label"`
	Size      int    `json:"size"`
	Stored    int    `json:"stored"`
	Digest    string `json:"digest"`
	CreatedAt int64  `json:"createdAt"` // Unix seconds
}

// VersionInfo is the getVersion result.
type VersionInfo struct {
	QVM   string  `json:"qvm"`
	Traps []int32 `json:"traps"`
}

func moduleInfo(r *modstore.Record) ModuleInfo {
	return ModuleInfo{
		ID:               r.ID.String(),
		Name:             r.Name,
		Size:             r.Size,
		InstructionCount: r.InstructionCount,
		CodeLength:       r.CodeLength,
		DataLength:       r.DataLength,
		LitLength:        r.LitLength,
		BssLength:        r.BssLength,
		ArenaSize:        r.ArenaSize,
		AddedAt:          r.Added().Unix(),
	}
}

func snapshotInfo(i *snapshot.Info) SnapshotInfo {
	return SnapshotInfo{
		Label:     i.Label,
		Size:      i.Size,
		Stored:    i.Stored,
		Digest:    EncodeBase58(i.Digest[:]),
		CreatedAt: i.Created().Unix(),
	}
}
