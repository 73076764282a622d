// Command wsong-ipc is a small diagnostic and administration tool for
// libwsong groups, pools, and ring buffers: create/remove groups,
// carve pools, create/inspect/delete ring buffers, and run a quick
// producer/consumer benchmark against one.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/songweijia/libwsong/ipc/group"
	"github.com/songweijia/libwsong/ipc/ring"
	"github.com/songweijia/libwsong/ipc/shmpool"
	"github.com/songweijia/libwsong/ipc/vaw"
	"github.com/songweijia/libwsong/perf"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "wsong-ipc:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 2 {
		return usageError()
	}
	ipc, cmd, rest := args[0], args[1], args[2:]

	switch ipc {
	case "group":
		return runGroup(cmd, rest)
	case "pool":
		return runPool(cmd, rest)
	case "ring":
		return runRing(cmd, rest)
	default:
		return usageError()
	}
}

func usageError() error {
	return errors.New("usage: wsong-ipc {group|pool|ring} <cmd> [flags]")
}

func runGroup(cmd string, args []string) error {
	fs := flag.NewFlagSet("group "+cmd, flag.ContinueOnError)
	name := fs.String("name", "", "group name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch cmd {
	case "create":
		if *name == "" {
			return errors.New("group create: -name is required")
		}
		return vaw.Create(*name)
	case "rm":
		if *name == "" {
			return errors.New("group rm: -name is required")
		}
		return vaw.Remove(*name)
	case "list":
		groups, err := group.List()
		if err != nil {
			return err
		}
		for _, g := range groups {
			fmt.Printf("%s\t%s\n", g.Name, g.Dir)
		}
		return nil
	default:
		return fmt.Errorf("group: unknown subcommand %q", cmd)
	}
}

func runPool(cmd string, args []string) error {
	fs := flag.NewFlagSet("pool "+cmd, flag.ContinueOnError)
	groupName := fs.String("group", "", "group name")
	capacity := fs.Uint64("capacity", uint64(vaw.MinPoolSize), "pool capacity in bytes (power of two)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *groupName == "" {
		return errors.New("pool: -group is required")
	}
	if err := vaw.Initialize(*groupName); err != nil {
		return err
	}
	defer vaw.Uninitialize()

	switch cmd {
	case "create":
		p, err := shmpool.Create(*capacity)
		if err != nil {
			return err
		}
		defer p.Close()
		fmt.Printf("pool created: offset=0x%x capacity=%s arena=%d\n",
			p.Offset(), humanize.IBytes(p.Capacity()), p.ArenaIndex())
		return nil
	default:
		return fmt.Errorf("pool: unknown subcommand %q", cmd)
	}
}

func runRing(cmd string, args []string) error {
	switch cmd {
	case "create":
		fs := flag.NewFlagSet("ring create", flag.ContinueOnError)
		groupName := fs.String("group", "", "group to register this ring under")
		name := fs.String("name", "", "human-readable ring name (derives the System-V key)")
		capacity := fs.Uint("capacity", 1024, "entry count, power of two")
		entrySize := fs.Uint("entry-size", 256, "bytes per entry, power of two")
		multiProducer := fs.Bool("multi-producer", false, "serialize producers with a spinlock")
		multiConsumer := fs.Bool("multi-consumer", false, "serialize consumers with a spinlock")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *name == "" {
			return errors.New("ring create: -name is required")
		}
		attr := ring.Attribute{
			Key:              ring.KeyFromName(*name),
			Capacity:         uint32(*capacity),
			EntrySize:        uint16(*entrySize),
			PageSize:         ring.PageDefault,
			MultipleProducer: *multiProducer,
			MultipleConsumer: *multiConsumer,
			Description:      *name,
		}
		key, err := ring.CreateRingBuffer(attr)
		if err != nil {
			return err
		}
		if *groupName != "" {
			_ = group.RegisterRing(*groupName, group.RingDescriptor{
				Key: key, Description: *name, Capacity: attr.Capacity, EntrySize: attr.EntrySize,
			})
		}
		fmt.Printf("ring created: key=%d capacity=%d entry_size=%d\n", key, attr.Capacity, attr.EntrySize)
		return nil

	case "rm":
		fs := flag.NewFlagSet("ring rm", flag.ContinueOnError)
		key := fs.Int("key", 0, "System-V key")
		groupName := fs.String("group", "", "group to unregister this ring from")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if err := ring.DeleteRingBuffer(int32(*key)); err != nil {
			return err
		}
		if *groupName != "" {
			_ = group.UnregisterRing(*groupName, int32(*key))
		}
		return nil

	case "stat":
		fs := flag.NewFlagSet("ring stat", flag.ContinueOnError)
		groupName := fs.String("group", "", "group whose rings to stat")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *groupName == "" {
			return errors.New("ring stat: -group is required")
		}
		descriptors, err := group.ListRings(*groupName)
		if err != nil {
			return err
		}

		g, _ := errgroup.WithContext(context.Background())
		lines := make([]string, len(descriptors))
		for i, d := range descriptors {
			i, d := i, d
			g.Go(func() error {
				r, err := ring.Get(d.Key)
				if err != nil {
					lines[i] = fmt.Sprintf("%d\t%s\terror: %v", d.Key, d.Description, err)
					return nil
				}
				defer r.Close()
				lines[i] = fmt.Sprintf("%d\t%s\tsize=%d/%d", d.Key, d.Description, r.Size(), d.Capacity)
				return nil
			})
		}
		_ = g.Wait()
		for _, l := range lines {
			fmt.Println(l)
		}
		return nil

	case "bench":
		fs := flag.NewFlagSet("ring bench", flag.ContinueOnError)
		key := fs.Int("key", 0, "System-V key of an existing ring")
		count := fs.Int("count", 10000, "entries to produce and consume")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return runRingBench(int32(*key), *count)

	default:
		return fmt.Errorf("ring: unknown subcommand %q", cmd)
	}
}

func runRingBench(key int32, count int) error {
	r, err := ring.Get(key)
	if err != nil {
		return err
	}
	defer r.Close()

	attr := r.Attribute()
	timeline := perf.NewTimeline(count * 2)
	buf := make([]byte, attr.EntrySize)

	start := time.Now()
	for i := 0; i < count; i++ {
		t0 := time.Now()
		if err := r.Produce(buf, len(buf), int64(time.Second)); err != nil {
			return err
		}
		timeline.Record("produce", t0, time.Now())

		t1 := time.Now()
		if err := r.Consume(buf, len(buf), int64(time.Second)); err != nil {
			return err
		}
		timeline.Record("consume", t1, time.Now())
	}
	elapsed := time.Since(start)

	fmt.Printf("%d round trips in %s (%.0f/s)\n", count, elapsed, float64(count)/elapsed.Seconds())
	return timeline.Save(fmt.Sprintf("wsong-ipc-bench-%d.log", key))
}
