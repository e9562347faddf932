package server

import (
	"sync"

	"github.com/onnwee/sublink/backend/entitlement"
)

// recordingSubmitter captures worker commands instead of executing them.
type recordingSubmitter struct {
	mu   sync.Mutex
	cmds []entitlement.Command
}

func (r *recordingSubmitter) Submit(cmd entitlement.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
}

func (r *recordingSubmitter) all() []entitlement.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entitlement.Command, len(r.cmds))
	copy(out, r.cmds)
	return out
}
