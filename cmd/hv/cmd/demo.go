/*
Copyright © 2026 coredump-systems

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coredump-systems/microhv/pkg/event"
	"github.com/coredump-systems/microhv/pkg/hazard"
	"github.com/coredump-systems/microhv/pkg/kernel"
	"github.com/coredump-systems/microhv/pkg/space"
)

func init() {
	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo [scenario]",
	Short: "Run one of the six end-to-end execution-context scenarios",
	Args:  cobra.ExactArgs(1),
	ValidArgs: []string{
		"recall", "fpu-handover", "rcu-grace-period",
		"refcount-race", "boot-metrics", "sleep-resume",
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		scenario, found := demoScenarios[args[0]]
		if !found {
			return fmt.Errorf("demo: unknown scenario %q", args[0])
		}
		return scenario()
	},
}

var demoScenarios = map[string]func() error{
	"recall":           demoRecall,
	"fpu-handover":     demoFPUHandover,
	"rcu-grace-period": demoRCUGracePeriod,
	"refcount-race":    demoRefcountRace,
	"boot-metrics":     demoBootMetrics,
	"sleep-resume":     demoSleepResume,
}

func ok(label string) {
	fmt.Printf("%s %s\n", color.GreenString("ok"), label)
}

func newVCPU(cpuID kernel.CPUID, serial uint64) (*kernel.EC, error) {
	return kernel.NewVCPU(kernel.DefaultAllocator{}, kernel.VCPUParams{
		ObjSpace:   space.New(space.KindObject, serial),
		HostSpace:  space.New(space.KindHost, serial+1),
		GuestSpace: space.New(space.KindGuest, serial+2),
		CPU:        cpuID,
		Serial:     serial,
	})
}

// demoRecall exercises §8 scenario 1: a RECALL hazard diverts a vCPU's
// own vm-exit path into the guest RECALL selector without killing it.
func demoRecall() error {
	const cpuID kernel.CPUID = 0
	ec, err := newVCPU(cpuID, 1)
	if err != nil {
		return err
	}
	cpu := kernel.NewCPU(cpuID, 0, true)
	kernel.RegisterDispatcher(cpuID, kernel.NewDispatcher(cpu, kernel.NewRCU(1, nil), kernel.NewRoundRobin(), entry("demo")))

	ec.Hazard().Clear(hazard.Illegal)
	ec.Hazard().Set(hazard.Recall)
	kernel.RetUserVMExit(ec)

	want := event.At(event.GuestBase, event.Recall)
	if ec.Regs().EntryPoint() != want || ec.Killed() {
		return fmt.Errorf("demo recall: unexpected outcome (entry=%#x killed=%v)", ec.Regs().EntryPoint(), ec.Killed())
	}
	ok("vCPU recalled into the guest RECALL selector, not killed")
	return nil
}

// demoFPUHandover exercises §8 scenario 2: lazy FPU ownership changes
// hands as two host ECs alternate on one CPU.
func demoFPUHandover() error {
	const cpuID kernel.CPUID = 0
	objSpace := space.New(space.KindObject, 1)
	hostSpace := space.New(space.KindHost, 2)
	a, err := kernel.NewHostEC(kernel.DefaultAllocator{}, kernel.HostParams{
		ObjSpace: objSpace, HostSpace: hostSpace, CPU: cpuID, Serial: 3, WantFPU: true, UTCBVA: 0x1000,
	})
	if err != nil {
		return err
	}
	b, err := kernel.NewHostEC(kernel.DefaultAllocator{}, kernel.HostParams{
		ObjSpace: objSpace, HostSpace: hostSpace, CPU: cpuID, Serial: 4, UTCBVA: 0x2000,
	})
	if err != nil {
		return err
	}

	cpu := kernel.NewCPU(cpuID, 0, true)
	kernel.RegisterDispatcher(cpuID, kernel.NewDispatcher(cpu, kernel.NewRCU(1, nil), kernel.NewRoundRobin(), entry("demo")))

	kernel.RetUserException(a)
	if !cpu.Hazard.Test(hazard.FPU) {
		return fmt.Errorf("demo fpu-handover: expected CPU to own FPU state after running A")
	}
	kernel.RetUserException(b)
	if cpu.Hazard.Test(hazard.FPU) {
		return fmt.Errorf("demo fpu-handover: expected CPU to disown FPU state after switching to B")
	}
	ok("FPU ownership followed the running EC (A owns it, B disowns it)")
	return nil
}

// demoRCUGracePeriod exercises §8 scenario 3: a callback posted on one
// CPU only runs once every CPU, including the poster, reports
// quiescence for the batch it was promoted into.
func demoRCUGracePeriod() error {
	const n = 3
	r := kernel.NewRCU(n, entry("demo"))
	cpus := make([]*kernel.CPU, n)
	for i := range cpus {
		cpus[i] = kernel.NewCPU(kernel.CPUID(i), uint64(i+1), i == 0)
	}

	ran := false
	var elem kernel.RCUElem
	r.Call(0, &elem, func(*kernel.RCUElem) { ran = true })

	r.Update(cpus[0])
	r.Update(cpus[1])
	r.Quiet(cpus[1])
	r.Update(cpus[2])
	r.Quiet(cpus[2])
	if ran {
		return fmt.Errorf("demo rcu-grace-period: callback ran before the posting CPU reported quiescence")
	}
	r.Quiet(cpus[0])
	r.Update(cpus[0])
	if !ran {
		return fmt.Errorf("demo rcu-grace-period: callback did not run after the grace period completed")
	}
	ok("RCU callback deferred until every CPU reported quiescence")
	return nil
}

// demoRefcountRace exercises §8 scenario 4 sequentially, without
// concurrent goroutines: once Kill has released the last reference and
// the grace period has run, Acquire refuses to resurrect the EC.
func demoRefcountRace() error {
	hostSpace := space.New(space.KindHost, 1)
	ec := kernel.NewKernelEC(0, 2, hostSpace, nil)
	cpu := kernel.NewCPU(0, 1, true)
	rcu := kernel.NewRCU(1, entry("demo"))

	ec.Kill("demo refcount-race", cpu, rcu)
	rcu.Update(cpu)
	rcu.Quiet(cpu)
	rcu.Update(cpu)
	if ec.Acquire() {
		return fmt.Errorf("demo refcount-race: Acquire must never resurrect a killed EC")
	}
	ok("Acquire correctly refused to resurrect a killed EC")
	return nil
}

// demoBootMetrics exercises §8 scenario 5: BOOT_HST and BOOT_GST each
// resolve exactly once per CPU, on the first dispatch after boot.
func demoBootMetrics() error {
	const cpuID kernel.CPUID = 0
	ec, err := newVCPU(cpuID, 1)
	if err != nil {
		return err
	}
	ec.Hazard().Clear(hazard.Illegal)
	cpu := kernel.NewCPU(cpuID, 0, true)
	cpu.Hazard.Set(hazard.BootHost | hazard.BootGuest)
	kernel.RegisterDispatcher(cpuID, kernel.NewDispatcher(cpu, kernel.NewRCU(1, nil), kernel.NewRoundRobin(), entry("demo")))

	kernel.RetUserVMExit(ec)
	if cpu.Hazard.Test(hazard.BootHost) || cpu.Hazard.Test(hazard.BootGuest) {
		return fmt.Errorf("demo boot-metrics: boot hazard bits should clear on first dispatch")
	}
	ok("boot-time metrics resolved exactly once")
	return nil
}

// demoSleepResume exercises §8 scenario 6: an EC that sleeps resumes,
// on a later dispatch, with nothing left to divert on.
func demoSleepResume() error {
	const cpuID kernel.CPUID = 0
	ec, err := newVCPU(cpuID, 1)
	if err != nil {
		return err
	}
	ec.Hazard().Clear(hazard.Illegal)
	ec.Hazard().Set(hazard.Sleep)
	cpu := kernel.NewCPU(cpuID, 0, true)
	kernel.RegisterDispatcher(cpuID, kernel.NewDispatcher(cpu, kernel.NewRCU(1, nil), kernel.NewRoundRobin(), entry("demo")))

	kernel.RetUserVMExit(ec)
	resumed := ec.Continuation()
	if resumed == nil {
		return fmt.Errorf("demo sleep-resume: expected a stored resume continuation")
	}
	resumed(ec)
	if ec.Hazard().Test(hazard.Sleep) {
		return fmt.Errorf("demo sleep-resume: SLEEP should already be clear on resume")
	}
	ok("EC slept and resumed with no remaining divert")
	return nil
}
