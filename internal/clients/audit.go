package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/vsavkov/elspeth/internal/canonical"
	"github.com/vsavkov/elspeth/internal/landscape"
	"github.com/vsavkov/elspeth/internal/model"
	"github.com/vsavkov/elspeth/internal/pool"
)

// Auditor records every outbound call against its owning node-state or
// operation. The sequence per call is fixed: canonicalise the request,
// allocate a call_index, acquire a permit when a pool is attached, perform
// the call, record the outcome. Errors are recorded the same as successes,
// so replay sees every attempt.
type Auditor struct {
	ls   *landscape.Landscape
	pool *pool.Executor
	now  func() time.Time
}

func NewAuditor(ls *landscape.Landscape) *Auditor {
	return &Auditor{ls: ls, now: time.Now}
}

// NewPooledAuditor gates every audited call through the executor: the call
// runs under a permit, successes and capacity pushback feed the AIMD cap.
// All clients built on one pooled auditor share that node's pool.
func NewPooledAuditor(ls *landscape.Landscape, p *pool.Executor) *Auditor {
	return &Auditor{ls: ls, pool: p, now: time.Now}
}

// Call performs fn under audit. The request is canonicalised before fn
// runs, so a request that cannot be canonicalised is rejected without
// touching the network. The returned model.Call is the persisted record.
func (a *Auditor) Call(
	ctx context.Context,
	parent landscape.CallParent,
	callType model.CallType,
	request any,
	fn func(ctx context.Context) (any, error),
) (any, model.Call, error) {
	reqBytes, err := canonical.MarshalJSON(request)
	if err != nil {
		return nil, model.Call{}, &ConfigurationError{Message: fmt.Sprintf("request not canonicalisable: %v", err)}
	}

	idx, err := a.ls.AllocateCallIndex(ctx, parent, callType)
	if err != nil {
		return nil, model.Call{}, err
	}

	start := a.now()
	var resp any
	var callErr error
	if a.pool != nil {
		resp, callErr = a.pool.Submit(ctx, fn)
	} else {
		resp, callErr = fn(ctx)
	}
	latency := float64(a.now().Sub(start)) / float64(time.Millisecond)

	rec := landscape.CallRecord{
		Parent:    parent,
		CallIndex: idx,
		CallType:  callType,
		Request:   reqBytes,
		LatencyMS: latency,
	}
	if callErr != nil {
		rec.Status = model.CallError
		errJSON, encErr := canonical.MarshalJSON(map[string]any{"message": callErr.Error()})
		if encErr == nil {
			rec.ErrorJSON = string(errJSON)
		}
	} else {
		rec.Status = model.CallSuccess
		respBytes, encErr := canonical.MarshalJSON(resp)
		if encErr != nil {
			return nil, model.Call{}, fmt.Errorf("clients: response not canonicalisable: %w", encErr)
		}
		rec.Response = respBytes
	}

	call, recErr := a.ls.RecordCall(ctx, rec)
	if recErr != nil {
		// The audit record is the point; a call whose record cannot be
		// written did not happen as far as the run is concerned.
		return nil, model.Call{}, recErr
	}
	if callErr != nil {
		return nil, call, callErr
	}
	return resp, call, nil
}
