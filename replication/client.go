package replication

import (
	"context"
)

// RaftClient submits a command to the group's replicated log and returns the
// apply result once the command is committed and applied locally.
type RaftClient interface {
	Run(ctx context.Context, cmd Command) (interface{}, error)
}

// StateMachine is the apply side of the log: every replica of the group runs
// committed commands through it in log order.
type StateMachine interface {
	Apply(cmd Command) (interface{}, error)
}

// Standalone is a RaftClient for single-replica deployments: commands skip
// consensus and go straight to the local state machine. The codec round-trip
// is kept so the wire format stays exercised.
type Standalone struct {
	codec Codec
	sm    StateMachine
}

func NewStandalone(codec Codec, sm StateMachine) *Standalone {
	return &Standalone{codec: codec, sm: sm}
}

func (s *Standalone) Run(ctx context.Context, cmd Command) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.codec.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	decoded, err := s.codec.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return s.sm.Apply(decoded)
}
