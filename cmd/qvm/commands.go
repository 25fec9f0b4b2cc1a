package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fortiblox/qvm/internal/types"
	"github.com/fortiblox/qvm/pkg/config"
	"github.com/fortiblox/qvm/pkg/modstore"
	"github.com/fortiblox/qvm/pkg/qvm/loader"
	qvmsyscall "github.com/fortiblox/qvm/pkg/qvm/syscall"
	"github.com/fortiblox/qvm/pkg/qvm/vm"
	"github.com/fortiblox/qvm/pkg/rpc"
	"github.com/fortiblox/qvm/pkg/snapshot"
)

type app struct {
	cfg *config.Config
	out io.Writer

	modules   *modstore.Store
	snapshots *snapshot.Store
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "run":
		return a.run(ctx, args)
	case "add":
		return a.add(args)
	case "list":
		return a.list()
	case "inspect":
		return a.inspect(args)
	case "rm":
		return a.remove(args)
	case "snapshot":
		return a.snapshot(args)
	case "serve":
		return a.serve(ctx, args)
	}
	usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func (a *app) close() {
	if a.modules != nil {
		a.modules.Close()
		a.modules = nil
	}
	if a.snapshots != nil {
		a.snapshots.Close()
		a.snapshots = nil
	}
}

func (a *app) moduleStore() (*modstore.Store, error) {
	if a.modules == nil {
		cfg := modstore.DefaultConfig(a.cfg.StorePath())
		cfg.NoSync = a.cfg.Store.NoSync
		s, err := modstore.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("module store: %w", err)
		}
		a.modules = s
	}
	return a.modules, nil
}

func (a *app) snapshotStore() (*snapshot.Store, error) {
	if a.snapshots == nil {
		cfg := snapshot.DefaultConfig(a.cfg.SnapshotsPath())
		cfg.SyncWrites = *a.cfg.Snapshots.SyncWrites
		s, err := snapshot.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("snapshot store: %w", err)
		}
		a.snapshots = s
	}
	return a.snapshots, nil
}

// resolve returns the image, display name and ID of a module given as a
// file path, stored name or base58 ID.
func (a *app) resolve(ref string) ([]byte, string, types.ModuleID, error) {
	if image, err := os.ReadFile(ref); err == nil {
		return image, ref, types.ModuleIDOf(image), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, "", types.ModuleID{}, err
	}

	store, err := a.moduleStore()
	if err != nil {
		return nil, "", types.ModuleID{}, err
	}
	id, err := store.Resolve(ref)
	if errors.Is(err, modstore.ErrNameNotFound) {
		id, err = types.ModuleIDFromBase58(ref)
		if err != nil {
			return nil, "", types.ModuleID{}, fmt.Errorf("%s: not a file, stored name or module id", ref)
		}
	} else if err != nil {
		return nil, "", types.ModuleID{}, err
	}
	image, err := store.Get(id)
	if err != nil {
		return nil, "", types.ModuleID{}, fmt.Errorf("%s: %w", ref, err)
	}
	return image, ref, id, nil
}

func (a *app) run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	save := fs.String("save", "", "Save the arena under this snapshot label after the call")
	restore := fs.String("restore", "", "Restore the arena from this snapshot label before the call")
	maxInstructions := fs.Uint64("max-instructions", a.cfg.MaxInstructions, "Instruction limit (0 = unlimited)")
	timeout := fs.Duration("timeout", 0, "Abort the call after this duration (0 = none)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("run: missing module")
	}

	command := int32(0)
	var callArgs []int32
	for i, s := range fs.Args()[1:] {
		n, err := strconv.ParseInt(s, 0, 32)
		if err != nil {
			return fmt.Errorf("run: argument %d: %w", i, err)
		}
		if i == 0 {
			command = int32(n)
		} else {
			callArgs = append(callArgs, int32(n))
		}
	}

	image, name, id, err := a.resolve(fs.Arg(0))
	if err != nil {
		return err
	}

	opts := a.cfg.VMOptions()
	opts.MaxInstructions = *maxInstructions
	traps := qvmsyscall.NewRegistry(a.out)

	machine, err := vm.Create(name, image, traps, opts)
	if err != nil {
		return err
	}
	defer machine.Free()

	if *restore != "" {
		store, err := a.snapshotStore()
		if err != nil {
			return err
		}
		arena, _, err := store.Load(id, *restore)
		if err != nil {
			return err
		}
		if err := machine.Restore(arena); err != nil {
			return err
		}
	}

	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := machine.CallContext(ctx, command, callArgs...)
	if err != nil {
		return err
	}
	log.Infof("%s: %d instructions in %v", name, machine.Meter().Used(), time.Since(start))
	fmt.Fprintf(a.out, ">> %d\n", result)

	if *save != "" {
		store, err := a.snapshotStore()
		if err != nil {
			return err
		}
		arena, err := machine.Snapshot()
		if err != nil {
			return err
		}
		info, err := store.Save(id, *save, arena)
		if err != nil {
			return err
		}
		log.Infof("saved snapshot %s (%d bytes)", info.Label, info.Stored)
	}
	return nil
}

func (a *app) add(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: add <file> [name]")
	}
	image, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	name := args[0]
	if len(args) == 2 {
		name = args[1]
	}

	store, err := a.moduleStore()
	if err != nil {
		return err
	}
	rec, err := store.Put(name, image)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s %s\n", rec.ID, rec.Name)
	return nil
}

func (a *app) list() error {
	store, err := a.moduleStore()
	if err != nil {
		return err
	}
	recs, err := store.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tINSTRUCTIONS\tSIZE\tARENA\tADDED")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID.Short(), r.Name, r.InstructionCount, r.Size, r.ArenaSize, r.Added().Format(time.RFC3339))
	}
	return w.Flush()
}

func (a *app) inspect(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: inspect <module>")
	}
	image, name, id, err := a.resolve(args[0])
	if err != nil {
		return err
	}
	h, err := loader.ParseHeader(image)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "name\t%s\n", name)
	fmt.Fprintf(w, "id\t%s\n", id)
	fmt.Fprintf(w, "instructions\t%d\n", h.InstructionCount)
	fmt.Fprintf(w, "code\t%d+%d\n", h.CodeOffset, h.CodeLength)
	fmt.Fprintf(w, "data\t%d+%d\n", h.DataOffset, h.DataLength)
	fmt.Fprintf(w, "lit\t%d\n", h.LitLength)
	fmt.Fprintf(w, "bss\t%d\n", h.BssLength)
	fmt.Fprintf(w, "arena\t%d\n", loader.ArenaSize(h))
	return w.Flush()
}

func (a *app) remove(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: rm <module>")
	}
	_, _, id, err := a.resolve(args[0])
	if err != nil {
		return err
	}
	store, err := a.moduleStore()
	if err != nil {
		return err
	}
	return store.Delete(id)
}

func (a *app) snapshot(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: snapshot list|export|import ...")
	}
	store, err := a.snapshotStore()
	if err != nil {
		return err
	}

	switch args[0] {
	case "list":
		if len(args) != 2 {
			return errors.New("usage: snapshot list <module>")
		}
		_, _, id, err := a.resolve(args[1])
		if err != nil {
			return err
		}
		infos, err := store.List(id)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LABEL\tSIZE\tSTORED\tCREATED")
		for _, i := range infos {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", i.Label, i.Size, i.Stored, i.Created().Format(time.RFC3339))
		}
		return w.Flush()

	case "export":
		if len(args) != 4 {
			return errors.New("usage: snapshot export <module> <label> <file>")
		}
		_, _, id, err := a.resolve(args[1])
		if err != nil {
			return err
		}
		arena, info, err := store.Load(id, args[2])
		if err != nil {
			return err
		}
		f, err := os.Create(args[3])
		if err != nil {
			return err
		}
		if err := snapshot.Export(f, info, arena); err != nil {
			f.Close()
			return err
		}
		return f.Close()

	case "import":
		if len(args) != 2 {
			return errors.New("usage: snapshot import <file>")
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		arena, info, err := snapshot.Import(f)
		if err != nil {
			return err
		}
		_, err = store.Save(info.Module, info.Label, arena)
		return err
	}
	return fmt.Errorf("unknown snapshot command %q", args[0])
}

func (a *app) serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", a.cfg.RPC.Addr, "Listen address")
	noSnapshots := fs.Bool("no-snapshots", false, "Disable snapshot methods and call options")
	if err := fs.Parse(args); err != nil {
		return err
	}

	modules, err := a.moduleStore()
	if err != nil {
		return err
	}
	cfg := a.cfg.RPCOptions(Version)
	cfg.Addr = *addr

	var server *rpc.Server
	if *noSnapshots {
		server = rpc.New(cfg, modules, nil)
	} else {
		snapshots, err := a.snapshotStore()
		if err != nil {
			return err
		}
		server = rpc.New(cfg, modules, snapshots)
	}
	return server.Start(ctx)
}
