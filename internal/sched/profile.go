package sched

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/vfs"
)

// ProfileSnapshot walks every task the scheduler knows about (including
// exited-but-unreaped ones) and assembles a pprof profile.Profile with
// one sample per task, recording its accumulated user and system time.
// Grounded on biscuit's accnt/accnt.go Accnt_t, which this build's
// Accounting already adapts from rdtsc cycles to wall-clock deltas; this
// is the reporting side, turning those per-task counters into the same
// kind of profile biscuit exposes through its D_PROF device.
func ProfileSnapshot(s *Scheduler) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "cpu", Unit: "nanoseconds"},
			{Type: "sys", Unit: "nanoseconds"},
		},
		TimeNanos: 0,
	}

	for _, t := range s.Snapshot() {
		user, sys := t.Accounting.Snapshot()

		fn := &profile.Function{
			ID:   uint64(len(p.Function) + 1),
			Name: fmt.Sprintf("%s[%d]", t.Cmd, t.TaskID),
		}
		loc := &profile.Location{
			ID:   uint64(len(p.Location) + 1),
			Line: []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)

		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(user), int64(sys)},
			Label:    map[string][]string{"state": {t.State.String()}},
		})
	}

	return p
}

// ProfVnode exposes a scheduler's ProfileSnapshot as a read-only device
// file, the counterpart to biscuit reserving device number D_PROF = 7
// for the same purpose (defs/device.go). Each Open takes a fresh
// snapshot and serializes it as pprof's standard gzipped-protobuf
// format, so "cat /dev/prof > out.pprof" followed by "go tool pprof
// out.pprof" works the same way it would against any other Go
// program's profile.
type ProfVnode struct {
	vfs.BaseVnode

	sched *Scheduler

	mu   sync.Mutex
	data []byte
}

// NewProfVnode returns a vnode reporting sched's per-task CPU accounting.
func NewProfVnode(sched *Scheduler) *ProfVnode {
	return &ProfVnode{sched: sched}
}

func (v *ProfVnode) Attributes() (vfs.FileAttributes, error) {
	v.mu.Lock()
	size := int64(len(v.data))
	v.mu.Unlock()
	return vfs.FileAttributes{
		Type:   vfs.FileTypeChrDev,
		Access: vfs.AccessOwnerRead | vfs.AccessOtherRead,
		Nlinks: 1,
		Size:   size,
	}, nil
}

// Open takes a fresh snapshot of the scheduler's accounting and
// serializes it, so every open of /dev/prof reports current counters
// rather than whatever was current the first time the device was read.
func (v *ProfVnode) Open(fp *vfs.FilePointer, flags vfs.OpenFlags) error {
	if flags&vfs.OpenWrite != 0 {
		return abi.ErrOperationNotPermitted
	}

	p := ProfileSnapshot(v.sched)
	p.TimeNanos = time.Now().UnixNano()

	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return fmt.Errorf("sched: serialize profile: %w", err)
	}

	v.mu.Lock()
	v.data = buf.Bytes()
	v.mu.Unlock()
	return nil
}

func (v *ProfVnode) Close(fp *vfs.FilePointer) error { return nil }

func (v *ProfVnode) Read(fp *vfs.FilePointer, buf []byte) (int, error) {
	v.mu.Lock()
	data := v.data
	v.mu.Unlock()

	if fp.Position >= int64(len(data)) {
		return 0, nil
	}
	n := copy(buf, data[fp.Position:])
	return n, nil
}

func (v *ProfVnode) Seek(fp *vfs.FilePointer, offset int64, whence int) (int64, error) {
	v.mu.Lock()
	size := int64(len(v.data))
	v.mu.Unlock()

	var base int64
	switch whence {
	case 0:
		base = 0
	case 1:
		base = fp.Position
	case 2:
		base = size
	default:
		return 0, abi.ErrInvalidArgument
	}
	pos := base + offset
	if pos < 0 {
		return 0, abi.ErrInvalidArgument
	}
	if pos > size {
		pos = size
	}
	fp.Position = pos
	return pos, nil
}
