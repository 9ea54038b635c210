package zfs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/MacJediWizard/snapdump/internal/command"
)

// stageWaitDelay bounds how long a stopped stage may take to exit before
// it is killed outright.
const stageWaitDelay = 30 * time.Second

type stage struct {
	name string
	cmd  *exec.Cmd
}

// sendArgs returns the zfs send arguments for a transfer ending at
// src@to. An empty from means a full stream.
func sendArgs(src string, t Transfer, extra ...string) []string {
	args := append([]string{"send"}, extra...)
	if t.From != "" {
		args = append(args, "-I", "@"+t.From)
	}
	return append(args, src+"@"+t.To)
}

// transfer runs zfs send | pv | zfs receive for one planned transfer.
//
// All three processes are started before any is waited on. When one of
// them fails the others are killed, so a dead receiver cannot leave the
// sender blocked on a full pipe. The reported stage is the first failure
// in pipeline order that was not caused by that kill.
//
// Stopped stages get SIGTERM rather than SIGKILL. sudo and ssh forward
// SIGTERM to the zfs they run; SIGKILL would stop only the wrapper.
func (z *Zfs) transfer(ctx context.Context, src string, destZfs *Zfs, dest string, t Transfer, size int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	send := z.command(ctx, sendArgs(src, t)...)
	monitor := exec.CommandContext(ctx, z.opts.PV, "-s", strconv.FormatInt(size, 10))
	receive := destZfs.command(ctx, "receive", "-vF", "-x", "mountpoint", dest)

	sendOut, monitorIn, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create pipe: %w", err)
	}
	monitorOut, receiveIn, err := os.Pipe()
	if err != nil {
		sendOut.Close()
		monitorIn.Close()
		return fmt.Errorf("create pipe: %w", err)
	}
	// The children hold their own copies after Start.
	parentEnds := []*os.File{sendOut, monitorIn, monitorOut, receiveIn}
	closeParentEnds := func() {
		for _, f := range parentEnds {
			f.Close()
		}
	}

	send.Stdout = monitorIn
	monitor.Stdin = sendOut
	monitor.Stdout = receiveIn
	monitor.Stderr = os.Stderr
	receive.Stdin = monitorOut

	stages := []stage{
		{name: StageSend, cmd: send},
		{name: StageMonitor, cmd: monitor},
		{name: StageReceive, cmd: receive},
	}

	for _, s := range stages {
		stopOnCancel(s.cmd)
	}

	for i, s := range stages {
		if err := s.cmd.Start(); err != nil {
			cancel()
			closeParentEnds()
			for _, started := range stages[:i] {
				_ = started.cmd.Wait()
			}
			return &StageError{Stage: s.name, Err: fmt.Errorf("start %s: %w", command.Describe(s.cmd), err)}
		}
	}
	closeParentEnds()

	// stopped is set at most once and only read after wg.Wait.
	var (
		once    sync.Once
		stopped bool
		wg      sync.WaitGroup
		errs    = make([]error, len(stages))
	)
	for i, s := range stages {
		wg.Add(1)
		go func(i int, s stage) {
			defer wg.Done()
			errs[i] = command.Wait(s.cmd)
			if errs[i] != nil {
				once.Do(func() {
					stopped = true
					cancel()
				})
			}
		}(i, s)
	}
	wg.Wait()

	return firstFailure(stages, errs, stopped)
}

// stopOnCancel makes cmd receive SIGTERM when its context ends, and
// SIGKILL if it is still running stageWaitDelay later.
func stopOnCancel(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = stageWaitDelay
}

// firstFailure picks the stage to blame. A stage that died from a signal
// after the others were stopped is a casualty of that stop, not a cause.
// Among the rest the earliest stage in pipeline order wins. If every
// failure is a casualty the earliest of those is reported.
func firstFailure(stages []stage, errs []error, stopped bool) error {
	casualty := -1
	for i, err := range errs {
		if err == nil {
			continue
		}
		if stopped && killedBySignal(stages[i].cmd.ProcessState) {
			if casualty < 0 {
				casualty = i
			}
			continue
		}
		return &StageError{Stage: stages[i].name, Err: err}
	}
	if casualty >= 0 {
		return &StageError{Stage: stages[casualty].name, Err: errs[casualty]}
	}
	return nil
}

func killedBySignal(ps *os.ProcessState) bool {
	if ps == nil {
		return false
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}
