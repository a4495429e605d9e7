package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/seclave/walletd/approval"
)

// terminalPrompter is the interactive decision surface of the daemon. It
// prints each approval request to the terminal and resolves it from a y/n
// answer on the input stream.
type terminalPrompter struct {
	in  io.Reader
	out io.Writer

	mtx     sync.Mutex
	arbiter *approval.Arbiter
	current uuid.UUID
}

func newTerminalPrompter(in io.Reader, out io.Writer) *terminalPrompter {
	return &terminalPrompter{in: in, out: out}
}

// setArbiter wires the arbiter the prompter resolves into. Must be called
// before run.
func (p *terminalPrompter) setArbiter(a *approval.Arbiter) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.arbiter = a
}

// Prompt displays the request and marks it as the one the next answer
// applies to.
//
// NOTE: Part of the approval.Prompter interface.
func (p *terminalPrompter) Prompt(req *approval.Request) {
	p.mtx.Lock()
	p.current = req.ID
	p.mtx.Unlock()

	fmt.Fprintf(p.out, "\n[approval] %s requests %s", req.Origin,
		req.Capability)
	if len(req.Payload) > 0 {
		fmt.Fprintf(p.out, "\n           payload: %s", req.Payload)
	}
	fmt.Fprintf(p.out, "\nApprove? [y/N]: ")
}

// Dismiss clears an expired request so a stale answer cannot apply to it.
//
// NOTE: Part of the approval.Prompter interface.
func (p *terminalPrompter) Dismiss(id uuid.UUID) {
	p.mtx.Lock()
	if p.current == id {
		p.current = uuid.Nil
	}
	p.mtx.Unlock()

	fmt.Fprintf(p.out, "\n[approval] request expired\n")
}

// run consumes answers from the input stream until it is exhausted. Any
// answer other than y resolves the current request as rejected.
//
// NOTE: MUST be run as a goroutine.
func (p *terminalPrompter) run() {
	scanner := bufio.NewScanner(p.in)
	for scanner.Scan() {
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))

		p.mtx.Lock()
		id := p.current
		p.current = uuid.Nil
		arbiter := p.arbiter
		p.mtx.Unlock()

		if id == uuid.Nil || arbiter == nil {
			continue
		}

		outcome := approval.OutcomeRejected
		if answer == "y" || answer == "yes" {
			outcome = approval.OutcomeApproved
		}

		err := arbiter.Resolve(id, approval.Decision{
			Outcome: outcome,
		})
		if err != nil {
			wltdLog.Debugf("Stale approval answer for %v: %v",
				id, err)
		}
	}
}
