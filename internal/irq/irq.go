// Package irq implements interrupt dispatch and deferred tasklet work
// (spec §4.11). Grounded on original_source/kernel/src/irqs.rs's
// Controller trait and fixed MAX_IRQS handler table; the tasklet queue
// itself has no counterpart in irqs.rs (the original calls handlers
// directly from handle_irqs with no deferred-work split) and is
// assembled from the spec's own prose plus the FIFO-queue-behind-a-
// spinlock idiom used throughout this repo (internal/misc.Circbuf,
// internal/vfs.FileDescriptors).
package irq

import (
	ksync "github.com/transistorfet/ruxpin-sub000/internal/sync"

	"github.com/transistorfet/ruxpin-sub000/internal/abi"
)

// MaxIRQs bounds the handler table, matching irqs.rs's MAX_IRQS.
const MaxIRQs = 64

// Controller abstracts the interrupt hardware: which lines are enabled
// and which currently have work pending. Grounded on irqs.rs's
// InterruptController trait.
type Controller interface {
	EnableIRQ(irq int)
	DisableIRQ(irq int)
	PendingIRQs() []int
}

// Handler services one IRQ. It must not block: any work that can't
// finish immediately belongs on the tasklet queue (spec §4.11).
type Handler func()

// Tasklet is deferred work queued from a Handler and run later, outside
// interrupt context, by DrainTasklets.
type Tasklet func()

// Dispatcher owns the IRQ handler table and the interrupt controller,
// and queues tasklets for later draining. Kept as a struct rather than
// irqs.rs's package-level statics, matching the rest of this repo's
// preference for explicit instances over global state (internal/sched.Scheduler,
// internal/vfs.VFS).
type Dispatcher struct {
	lock       ksync.Spinlock
	controller Controller
	handlers   [MaxIRQs]Handler

	taskletLock ksync.Spinlock
	tasklets    []Tasklet
}

// New builds a Dispatcher over controller. controller may be nil, in
// which case HandleIRQs and EnableIRQ/DisableIRQ are no-ops, matching
// irqs.rs's behavior before register_interrupt_controller is called.
func New(controller Controller) *Dispatcher {
	return &Dispatcher{controller: controller}
}

// RegisterHandler installs fn as irq's handler. Registering twice for
// the same irq, or an out-of-range irq, is an error, matching
// register_irq's validation.
func (d *Dispatcher) RegisterHandler(irq int, fn Handler) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if irq < 0 || irq >= MaxIRQs || d.handlers[irq] != nil {
		return abi.ErrInvalidIrq
	}
	d.handlers[irq] = fn
	return nil
}

// EnableIRQ and DisableIRQ forward to the controller, matching
// irqs.rs's enable_irq/disable_irq (both silent no-ops with no
// controller registered).
func (d *Dispatcher) EnableIRQ(irq int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.controller != nil {
		d.controller.EnableIRQ(irq)
	}
}

func (d *Dispatcher) DisableIRQ(irq int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.controller != nil {
		d.controller.DisableIRQ(irq)
	}
}

// HandleIRQs walks the controller's pending bitmap and invokes each
// registered handler in turn, matching irqs.rs's handle_irqs. Called
// from the IRQ entry path; handlers run with the dispatcher's own lock
// held, so a handler may not itself call RegisterHandler/EnableIRQ/
// DisableIRQ (it may call ScheduleTasklet, which uses a separate lock).
func (d *Dispatcher) HandleIRQs() {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.controller == nil {
		return
	}
	for _, irq := range d.controller.PendingIRQs() {
		if irq < 0 || irq >= MaxIRQs {
			continue
		}
		if handler := d.handlers[irq]; handler != nil {
			handler()
		}
	}
}

// ScheduleTasklet queues fn to run later from DrainTasklets, outside
// interrupt context (spec §4.11). Safe to call from within a Handler.
func (d *Dispatcher) ScheduleTasklet(fn Tasklet) {
	d.taskletLock.Lock()
	defer d.taskletLock.Unlock()
	d.tasklets = append(d.tasklets, fn)
}

// DrainTasklets runs and discards every tasklet queued since the last
// drain, in FIFO order. Tasklets queued by a tasklet while draining run
// on the next call rather than the current one, so a tasklet that keeps
// rescheduling itself can't starve the caller.
func (d *Dispatcher) DrainTasklets() {
	d.taskletLock.Lock()
	pending := d.tasklets
	d.tasklets = nil
	d.taskletLock.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// PendingTasklets reports how many tasklets are queued, for callers
// that want to decide whether draining is worth a context switch.
func (d *Dispatcher) PendingTasklets() int {
	d.taskletLock.Lock()
	defer d.taskletLock.Unlock()
	return len(d.tasklets)
}
