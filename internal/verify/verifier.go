// Package verify replays fresh external calls against the recordings of a
// completed run and reports drift. A recording that matches byte-for-byte
// never touches the payload store; only diverging responses are diffed
// structurally.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vsavkov/elspeth/internal/canonical"
	"github.com/vsavkov/elspeth/internal/landscape"
	"github.com/vsavkov/elspeth/internal/model"
	"github.com/vsavkov/elspeth/internal/payload"
)

// Outcome classifies one verification.
type Outcome string

const (
	// OutcomeMatch means the fresh response equals the recording (after
	// ignore paths).
	OutcomeMatch Outcome = "match"
	// OutcomeDifferences means both responses exist and diverge.
	OutcomeDifferences Outcome = "differences"
	// OutcomeMissingRecording means no recorded call exists for this
	// request hash at this sequence position.
	OutcomeMissingRecording Outcome = "missing_recording"
	// OutcomeMissingPayload means the call row exists and referenced a
	// response blob, but the blob was purged. Error calls that never had
	// a response are not missing_payload.
	OutcomeMissingPayload Outcome = "missing_payload"
)

// FreshCall is one replayed call to verify against the recording.
type FreshCall struct {
	CallType model.CallType
	Request  any
	Response any
}

// CallCheck is the per-call verification detail.
type CallCheck struct {
	CallType    model.CallType `json:"call_type"`
	RequestHash string         `json:"request_hash"`
	Sequence    int            `json:"sequence_index"`
	CallID      string         `json:"call_id,omitempty"`
	Outcome     Outcome        `json:"outcome"`
	Differences []Difference   `json:"differences,omitempty"`
	Note        string         `json:"note,omitempty"`
}

// Report aggregates the checks of one verification session.
type Report struct {
	Total             int         `json:"total"`
	Matches           int         `json:"matches"`
	Mismatches        int         `json:"mismatches"`
	MissingRecordings int         `json:"missing_recordings"`
	MissingPayloads   int         `json:"missing_payloads"`
	Results           []CallCheck `json:"results"`
}

// SuccessRate is matches over total; 1 for an empty report.
func (r Report) SuccessRate() float64 {
	if r.Total == 0 {
		return 1
	}
	return float64(r.Matches) / float64(r.Total)
}

func (r *Report) add(c CallCheck) {
	r.Total++
	r.Results = append(r.Results, c)
	switch c.Outcome {
	case OutcomeMatch:
		r.Matches++
	case OutcomeDifferences:
		r.Mismatches++
	case OutcomeMissingRecording:
		r.MissingRecordings++
	case OutcomeMissingPayload:
		r.MissingPayloads++
	}
}

// Verifier checks fresh calls against the recordings of one run.
// Duplicate identical requests verify against successive recordings: the
// Nth fresh occurrence of a request hash is compared to the Nth recorded
// call with that hash, in (created_at, call_index) order.
type Verifier struct {
	ls    *landscape.Landscape
	runID string
	opts  DiffOptions
	log   *slog.Logger

	mu     sync.Mutex
	seen   map[string]int
	report Report
}

// New builds a verifier for runID with the given diff options.
func New(ls *landscape.Landscape, runID string, opts DiffOptions, log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{
		ls:    ls,
		runID: runID,
		opts:  opts,
		log:   log,
		seen:  map[string]int{},
	}
}

// Verify checks one fresh call and folds it into the running report.
func (v *Verifier) Verify(ctx context.Context, fresh FreshCall) (CallCheck, error) {
	reqHash, err := canonical.Hash(fresh.Request)
	if err != nil {
		return CallCheck{}, fmt.Errorf("verify: request not canonicalisable: %w", err)
	}

	v.mu.Lock()
	seqKey := string(fresh.CallType) + "\x00" + reqHash
	seq := v.seen[seqKey]
	v.seen[seqKey] = seq + 1
	v.mu.Unlock()

	check := CallCheck{CallType: fresh.CallType, RequestHash: reqHash, Sequence: seq}

	calls, err := v.ls.FindCallsByRequestHash(ctx, v.runID, fresh.CallType, reqHash)
	if err != nil {
		return CallCheck{}, err
	}
	if seq >= len(calls) {
		check.Outcome = OutcomeMissingRecording
		check.Note = fmt.Sprintf("%d recording(s) for this request, occurrence %d requested", len(calls), seq+1)
		v.record(check)
		return check, nil
	}
	rec := calls[seq]
	check.CallID = rec.CallID

	if rec.ResponseRef == "" {
		// The recorded call errored before producing a response. A fresh
		// response therefore diverges; a fresh error would not reach the
		// verifier at all.
		check.Outcome = OutcomeDifferences
		check.Note = "recorded call has no response (status " + string(rec.Status) + ")"
		v.record(check)
		return check, nil
	}

	freshBytes, err := canonical.MarshalJSON(fresh.Response)
	if err != nil {
		return CallCheck{}, fmt.Errorf("verify: response not canonicalisable: %w", err)
	}
	if canonical.HashBytes(freshBytes) == rec.ResponseHash {
		check.Outcome = OutcomeMatch
		v.record(check)
		return check, nil
	}

	recordedBytes, err := v.ls.Payloads().Get(rec.ResponseRef)
	if errors.Is(err, payload.ErrMissing) {
		check.Outcome = OutcomeMissingPayload
		check.Note = "response payload purged; recorded hash " + rec.ResponseHash
		v.record(check)
		return check, nil
	}
	if err != nil {
		return CallCheck{}, fmt.Errorf("verify: load recorded response: %w", err)
	}

	var recorded any
	if err := json.Unmarshal(recordedBytes, &recorded); err != nil {
		return CallCheck{}, fmt.Errorf("verify: decode recorded response: %w", err)
	}
	var freshVal any
	if err := json.Unmarshal(freshBytes, &freshVal); err != nil {
		return CallCheck{}, fmt.Errorf("verify: decode fresh response: %w", err)
	}

	diffs := Diff(recorded, freshVal, v.opts)
	if len(diffs) == 0 {
		// Equal once volatile paths are excluded.
		check.Outcome = OutcomeMatch
	} else {
		check.Outcome = OutcomeDifferences
		check.Differences = diffs
		v.log.Debug("response drift",
			"run_id", v.runID, "call_id", rec.CallID, "differences", len(diffs))
	}
	v.record(check)
	return check, nil
}

func (v *Verifier) record(c CallCheck) {
	v.mu.Lock()
	v.report.add(c)
	v.mu.Unlock()
}

// Report returns a snapshot of the running report.
func (v *Verifier) Report() Report {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.report
	out.Results = append([]CallCheck(nil), v.report.Results...)
	return out
}
