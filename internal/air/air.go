// Package air defines the AIR interpreter ABI consumed by the particle
// executor. The interpreter itself is treated as a pure black-box function
// by the rest of this module; this package carries the contract and a
// small reference implementation for exercising the pipeline end to end.
package air

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/oriys/particle-node/internal/domain"
)

// ErrTimeout is returned by implementations (and synthesized by the
// executor for the reference interpreter) when an invocation exceeds its
// configured budget.
var ErrTimeout = errors.New("air: interpretation timed out")

// Request is the exact payload handed to an interpreter invocation.
type Request struct {
	Script      string
	PrevData    []byte
	CurrentData []byte
	Params      domain.InterpretParams
	CallResults map[uint32]domain.FunctionOutcome
}

// Result is the exact output of one interpreter invocation. RetCode == 0
// means success; any non-zero code is a soft failure attributable to the
// script, not an error return from Interpret.
type Result struct {
	NextPeers    []domain.PeerID
	NewData      []byte
	CallRequests []domain.CallRequest
	RetCode      int32
	ErrorMessage string
}

// Interpreter advances one particle one local slice. A single call MUST
// be synchronous, CPU-bound, and have no side effects beyond its return
// value. Callers are responsible for running it off the cooperative path.
type Interpreter interface {
	Interpret(ctx context.Context, req Request) (Result, error)
}

// ReferenceInterpreter evaluates a flat, ordered JSON list of calls
// ({"calls":[...]}); AIR's nested seq/par forms and its S-expression
// syntax are not parsed. It is a stand-in for a real AVM binding, not a
// complete AIR implementation. Production
// deployments are expected to swap in a real interpreter behind the
// Interpreter interface.
type ReferenceInterpreter struct{}

func NewReferenceInterpreter() *ReferenceInterpreter {
	return &ReferenceInterpreter{}
}

// call is the JSON stand-in for AIR's `(call <peer> (<service> <function>) [args])`.
type call struct {
	Peer     string   `json:"peer"`
	Service  string   `json:"service"`
	Function string   `json:"function"`
	Args     []string `json:"args"`
}

// script is the minimal AIR subset this interpreter understands: a flat
// list of instructions, each either a call or a sequencing marker. Real
// AIR nests seq/par as a tree; this reference interpreter only needs to
// cover straight-line call scripts, so it accepts a flat ordered list and
// a "par" flag per instruction meaning "independent of the previous one"
// (ignored for scheduling purposes: both seq and par instructions are
// evaluated in list order here, since this node's local slice is itself
// synchronous).
type script struct {
	Calls []call `json:"calls"`
}

func parseScript(raw string) (script, error) {
	var s script
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return script{}, err
	}
	return s, nil
}

// Interpret evaluates every call in the script in order. Each call that
// targets CurrentPeerID is emitted as a CallRequest for the local host
// function registry; calls addressed to any other peer instead schedule
// that peer into NextPeers so the particle is routed onward after this
// invocation. This mirrors the example scripts in the owning scenarios:
// local calls settle immediately, remote calls forward the particle.
func (r *ReferenceInterpreter) Interpret(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s, err := parseScript(req.Script)
	if err != nil {
		return Result{RetCode: 1, ErrorMessage: err.Error()}, nil
	}

	var res Result
	peerSeen := make(map[domain.PeerID]struct{})
	for i, c := range s.Calls {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		target := domain.PeerID(c.Peer)
		if target == "" || target == "%init_peer_id%" {
			target = req.Params.InitPeerID
		}

		if target == req.Params.CurrentPeerID {
			args, _ := json.Marshal(c.Args)
			res.CallRequests = append(res.CallRequests, domain.CallRequest{
				Ordinal:      uint32(i),
				ServiceID:    c.Service,
				FunctionName: c.Function,
				Arguments:    args,
			})
			continue
		}

		if _, ok := peerSeen[target]; !ok {
			peerSeen[target] = struct{}{}
			res.NextPeers = append(res.NextPeers, target)
		}
	}

	res.NewData = req.CurrentData
	if res.NewData == nil {
		res.NewData = req.PrevData
	}
	res.RetCode = 0
	return res, nil
}
