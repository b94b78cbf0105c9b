package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bitstadium/plcrash-unwind/internal/config"
	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/image"
	"github.com/bitstadium/plcrash-unwind/pkg/logconf"
	"github.com/bitstadium/plcrash-unwind/pkg/registry"
	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
	"github.com/bitstadium/plcrash-unwind/pkg/symbol"
	"github.com/bitstadium/plcrash-unwind/pkg/unwind"
	"github.com/bitstadium/plcrash-unwind/pkg/unwind/dwarfcfi"
)

// session bundles everything a subcommand needs once it has attached to a
// target pid: the registry primed with its mapped images, a remote memory
// reader, a primed DWARF table cache, and a symbol accelerator.
type session struct {
	tid     int
	reg     *registry.Registry
	reader  *safemem.Remote
	tables  *dwarfcfi.TableCache
	accel   *symbol.Accelerator
	cascade *unwind.Cascade
}

// attach stops tid via ptrace, opens a remote memory reader on pid, and
// primes the registry, DWARF table cache, and symbol accelerator from its
// mapped ELF images. tid is usually pid itself (the main thread), but may
// name any other thread in the same thread group.
func attach(pid, tid int, cfg *config.Config) (*session, error) {
	if err := context.AttachThread(tid); err != nil {
		return nil, err
	}

	r, err := safemem.OpenRemote(pid)
	if err != nil {
		context.DetachThread(tid)
		return nil, err
	}

	reg := registry.New()
	tables := dwarfcfi.NewTableCache(64)

	images, err := mappedELFImages(pid)
	if err != nil {
		r.Close()
		context.DetachThread(tid)
		return nil, err
	}
	for _, rec := range images {
		reg.Append(rec)
		if err := tables.Prime(r, rec); err != nil {
			logconf.DwarfCFI().WithError(err).Warnf("could not prime cfi table for %s", rec)
		}
	}

	accel := symbol.NewAccelerator(1024)
	accel.Build(reg, r)

	pseudo := symbol.ResolvePseudoSymbols(reg, r, accel)

	cascade := &unwind.Cascade{Registry: reg, Reader: r, DwarfTables: tables, PseudoRanges: pseudo}

	return &session{tid: tid, reg: reg, reader: r, tables: tables, accel: accel, cascade: cascade}, nil
}

func (s *session) Close() error {
	err := s.reader.Close()
	if derr := context.DetachThread(s.tid); derr != nil && err == nil {
		err = derr
	}
	return err
}

// mappedELFImages parses /proc/<pid>/maps and builds a Record for each
// distinct file-backed path from its first mapping, whose start is used as
// the load base. Mappings are not filtered by permission; files that
// image.ParseFromELF cannot parse are skipped.
func mappedELFImages(pid int) ([]*image.Record, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("attach: open maps for pid %d: %w", pid, err)
	}
	defer f.Close()

	seen := make(map[string]int64)
	var recs []*image.Record

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		if path == "" || strings.HasPrefix(path, "[") {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}

		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			continue
		}

		seen[path] = int64(start)
		rec, err := image.ParseFromELF(path, int64(start))
		if err != nil {
			logconf.Image().WithError(err).Warnf("skipping unparsable mapping %s", path)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, scanner.Err()
}

// threadContext snapshots the registers of the live thread tid via ptrace
// (context.GetThreadContext).
func threadContext(tid int) (context.Context, error) {
	return context.GetThreadContext(tid)
}
