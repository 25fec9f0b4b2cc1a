package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fortiblox/qvm/internal/types"
	"github.com/fortiblox/qvm/pkg/modstore"
	"github.com/fortiblox/qvm/pkg/qvm"
	qvmsyscall "github.com/fortiblox/qvm/pkg/qvm/syscall"
	"github.com/fortiblox/qvm/pkg/qvm/vm"
	"github.com/fortiblox/qvm/pkg/snapshot"
)

// Module methods

// getModules lists stored modules.
func (s *Server) getModules(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	recs, err := s.modules.List()
	if err != nil {
		return nil, InternalServerErrorf("failed to list modules: %v", err)
	}

	out := make([]ModuleInfo, 0, len(recs))
	for i := range recs {
		out = append(out, moduleInfo(&recs[i]))
	}
	return out, nil
}

// getModule returns a module record and its encoded image.
func (s *Server) getModule(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [module, config?]
	args, rpcErr := parseArgs(params, 1, "module")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config ModuleConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}

	rec, rpcErr := s.resolveModule(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	image, err := s.modules.Get(rec.ID)
	if err != nil {
		return nil, InternalServerErrorf("failed to read module: %v", err)
	}

	info := moduleInfo(rec)
	info.Data, err = EncodeModuleData(image, config.Encoding)
	if err != nil {
		return nil, InvalidParamsError(err.Error())
	}
	return info, nil
}

// addModule validates and stores an encoded module image.
func (s *Server) addModule(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [name, data, encoding?]
	args, rpcErr := parseArgs(params, 2, "name and data")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var name, data string
	if err := json.Unmarshal(args[0], &name); err != nil || name == "" {
		return nil, InvalidParamsError("invalid name")
	}
	if err := json.Unmarshal(args[1], &data); err != nil {
		return nil, InvalidParamsError("invalid data")
	}
	encoding := EncodingBase64
	if len(args) > 2 {
		if err := json.Unmarshal(args[2], &encoding); err != nil {
			return nil, InvalidParamsError("invalid encoding")
		}
	}

	image, err := DecodeModuleData(data, encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("invalid data: %v", err)
	}

	rec, err := s.modules.Put(name, image)
	if err != nil {
		if qvm.CodeOf(err) == qvm.ErrInvalidModule {
			return nil, InvalidModuleError(err)
		}
		return nil, InternalServerErrorf("failed to store module: %v", err)
	}

	log.Infof("added module %s as %s", rec.Name, rec.ID.Short())
	return moduleInfo(rec), nil
}

// deleteModule removes a stored module.
func (s *Server) deleteModule(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "module")
	if rpcErr != nil {
		return nil, rpcErr
	}

	rec, rpcErr := s.resolveModule(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.modules.Delete(rec.ID); err != nil {
		return nil, InternalServerErrorf("failed to delete module: %v", err)
	}
	return true, nil
}

// Execution

// callModule runs a stored module's entry point in a fresh VM.
func (s *Server) callModule(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [module, config?]
	args, rpcErr := parseArgs(params, 1, "module")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config CallConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}
	if len(config.Args) > vm.MaxCallArgs {
		return nil, InvalidParamsErrorf("at most %d arguments", vm.MaxCallArgs)
	}
	if (config.Restore != "" || config.Save != "") && s.snapshots == nil {
		return nil, ErrSnapshotsDisabled
	}

	rec, rpcErr := s.resolveModule(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	image, err := s.modules.Get(rec.ID)
	if err != nil {
		return nil, InternalServerErrorf("failed to read module: %v", err)
	}

	out := &outputBuffer{limit: s.config.MaxOutput}
	opts := s.config.VM
	if config.MaxInstructions != nil {
		opts.MaxInstructions = *config.MaxInstructions
	}

	machine, err := vm.Create(rec.Name, image, qvmsyscall.NewRegistry(out), opts)
	if err != nil {
		return nil, InvalidModuleError(err)
	}
	defer machine.Free()

	if config.Restore != "" {
		arena, _, err := s.snapshots.Load(rec.ID, config.Restore)
		if errors.Is(err, snapshot.ErrSnapshotNotFound) {
			return nil, SnapshotNotFoundError(config.Restore)
		} else if err != nil {
			return nil, InternalServerErrorf("failed to load snapshot: %v", err)
		}
		if err := machine.Restore(arena); err != nil {
			return nil, InvalidParamsErrorf("snapshot %s does not fit module: %v", config.Restore, err)
		}
	}

	timeout := s.config.CallTimeout
	if t := time.Duration(config.TimeoutMs) * time.Millisecond; t > 0 && (timeout == 0 || t < timeout) {
		timeout = t
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := machine.CallContext(ctx, config.Command, config.Args...)
	if err != nil {
		code := qvm.CodeOf(err)
		return nil, NewRPCErrorWithData(ExecutionFailed, err.Error(), CallFailure{
			ErrorCode:    int32(code),
			Kind:         code.Error(),
			Instructions: machine.Meter().Used(),
			Output:       out.String(),
		})
	}

	res := CallResult{
		Module:       rec.ID.String(),
		Result:       result,
		Instructions: machine.Meter().Used(),
		Output:       out.String(),
		Truncated:    out.truncated,
	}

	if config.Save != "" {
		arena, err := machine.Snapshot()
		if err != nil {
			return nil, InternalServerErrorf("failed to snapshot arena: %v", err)
		}
		info, err := s.snapshots.Save(rec.ID, config.Save, arena)
		if errors.Is(err, snapshot.ErrInvalidLabel) {
			return nil, InvalidParamsErrorf("invalid snapshot label %q", config.Save)
		} else if err != nil {
			return nil, InternalServerErrorf("failed to save snapshot: %v", err)
		}
		res.Snapshot = info.Label
	}
	return res, nil
}

// Snapshot methods

// getSnapshots lists the snapshots of a module.
func (s *Server) getSnapshots(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.snapshots == nil {
		return nil, ErrSnapshotsDisabled
	}
	args, rpcErr := parseArgs(params, 1, "module")
	if rpcErr != nil {
		return nil, rpcErr
	}

	rec, rpcErr := s.resolveModule(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	infos, err := s.snapshots.List(rec.ID)
	if err != nil {
		return nil, InternalServerErrorf("failed to list snapshots: %v", err)
	}

	out := make([]SnapshotInfo, 0, len(infos))
	for i := range infos {
		out = append(out, snapshotInfo(&infos[i]))
	}
	return out, nil
}

// deleteSnapshot removes one snapshot of a module.
func (s *Server) deleteSnapshot(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.snapshots == nil {
		return nil, ErrSnapshotsDisabled
	}
	args, rpcErr := parseArgs(params, 2, "module and label")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var label string
	if err := json.Unmarshal(args[1], &label); err != nil {
		return nil, InvalidParamsError("invalid label")
	}
	rec, rpcErr := s.resolveModule(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	err := s.snapshots.Delete(rec.ID, label)
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		return nil, SnapshotNotFoundError(label)
	} else if err != nil {
		return nil, InternalServerErrorf("failed to delete snapshot: %v", err)
	}
	return true, nil
}

// Server methods

// getHealth returns the node health status.
func (s *Server) getHealth(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return "ok", nil
}

// getVersion returns the server version and the standard trap numbers.
func (s *Server) getVersion(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{
		QVM:   s.config.Version,
		Traps: qvmsyscall.NewRegistry(nil).Numbers(),
	}, nil
}

// Helper functions

// parseArgs decodes positional params and requires at least want of them.
func parseArgs(params json.RawMessage, want int, what string) ([]json.RawMessage, *RPCError) {
	var args []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, InvalidParamsError("invalid params")
		}
	}
	if len(args) < want {
		return nil, InvalidParamsErrorf("missing %s parameter", what)
	}
	return args, nil
}

// resolveModule maps a stored name or base58 module ID to its record.
func (s *Server) resolveModule(raw json.RawMessage) (*modstore.Record, *RPCError) {
	var ref string
	if err := json.Unmarshal(raw, &ref); err != nil || ref == "" {
		return nil, InvalidParamsError("invalid module")
	}

	id, err := s.modules.Resolve(ref)
	if errors.Is(err, modstore.ErrNameNotFound) {
		id, err = types.ModuleIDFromBase58(ref)
		if err != nil {
			return nil, ModuleNotFoundError(ref)
		}
	} else if err != nil {
		return nil, InternalServerErrorf("failed to resolve module: %v", err)
	}

	rec, err := s.modules.Record(id)
	if errors.Is(err, modstore.ErrModuleNotFound) {
		return nil, ModuleNotFoundError(ref)
	} else if err != nil {
		return nil, InternalServerErrorf("failed to read module record: %v", err)
	}
	return rec, nil
}

// outputBuffer collects printed output up to limit bytes. A limit of 0 or
// less keeps everything.
type outputBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 {
		if room := b.limit - b.buf.Len(); len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
			return len(p), nil
		}
	}
	return b.buf.Write(p)
}

func (b *outputBuffer) String() string {
	return b.buf.String()
}
