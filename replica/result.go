package replica

// Result is a replica response. For writes of non-full transactions Res holds
// the locally applied outcome while Replication, when non-nil, completes once
// the command is fully replicated (the delayed acknowledgement).
type Result struct {
	Res         interface{}
	Replication <-chan error
}

// WaitReplicated blocks until the delayed acknowledgement, if any, resolves.
func (r *Result) WaitReplicated() error {
	if r == nil || r.Replication == nil {
		return nil
	}
	return <-r.Replication
}

func immediate(res interface{}) *Result {
	return &Result{Res: res}
}
