package main

import (
	"fmt"
	"time"

	"github.com/aclements/nosv/internal/config"
	"github.com/aclements/nosv/pkg/nosv"
)

// runAttach attaches this process to nosvd, submits numTasks trivial
// tasks to exercise the scheduler end to end (SPEC_FULL.md's supplemented
// operator tooling), waits for them, reports task-count telemetry, and
// detaches. It is the nosvctl analogue of the teacher's -run flag, which
// ran a single external command under perflock's lock instead of driving
// nosv's own task scheduler.
func runAttach(numTasks int) error {
	cfg := config.Default()
	p, err := nosv.AttachRemote(cfg, gSocket)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	defer p.Detach()

	if p.NumCPU() == 0 {
		return fmt.Errorf("nosvd granted this process no CPUs")
	}

	tasks := make([]*nosv.Task, 0, numTasks)
	for i := 0; i < numTasks; i++ {
		i := i
		t, err := p.CreateTask("nosvctl.probe", func(ctx *nosv.Context) {
			cpu, _ := ctx.CPU()
			vlog("task %d ran on cpu %d\n", i, cpu)
			time.Sleep(time.Millisecond)
		}, 1, nosv.Affinity{})
		if err != nil {
			return fmt.Errorf("create task %d: %w", i, err)
		}
		tasks = append(tasks, t)
		if err := p.SubmitTask(t, -1); err != nil {
			return fmt.Errorf("submit task %d: %w", i, err)
		}
	}
	for i, t := range tasks {
		p.WaitTask(t)
		if err := p.DestroyTask(t); err != nil {
			return fmt.Errorf("destroy task %d: %w", i, err)
		}
	}
	if err := p.ReportStats(); err != nil {
		vlog("report stats: %v\n", err)
	}
	fmt.Printf("ran %d task(s) across %d owned CPU(s)\n", numTasks, p.NumCPU())
	return nil
}
