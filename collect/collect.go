// Package collect implements concurrent collection and dispatch of
// participant messages over the rendezvous transport, with per-participant
// progress reporting. Sequential mode is the default so ceremonies stay
// deterministic under test; parallel mode fans the same work out across
// goroutines.
package collect

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/kv"
	"github.com/bartke/frost-rendezvous/xid"
)

// ErrRejected marks an explicit peer rejection; validators wrap it so the
// collector can distinguish declines from failures.
var ErrRejected = errors.New("collect: peer rejected")

// DefaultTimeout bounds the total wait for a collection.
const DefaultTimeout = 600 * time.Second

// Outcome is the state of one participant's slot.
type Outcome string

const (
	Waiting   Outcome = "waiting"
	OK        Outcome = "ok"
	Rejected  Outcome = "rejected"
	Errored   Outcome = "error"
	TimedOut  Outcome = "timeout"
	Cancelled Outcome = "cancelled"
)

// Request names one slot to poll.
type Request struct {
	XID         xid.XID
	CollectFrom arid.ARID
	DisplayName string
}

// Result is the outcome for one participant.
type Result struct {
	XID         xid.XID
	DisplayName string
	Outcome     Outcome
	// Payload is whatever the validator returned on success.
	Payload any
	Err     error
}

// CollectionResult partitions the per-participant outcomes.
type CollectionResult struct {
	Successes  []Result
	Rejections []Result
	Errors     []Result
	Timeouts   []Result
	Cancelled  bool
}

// Missing returns the display names of every participant that did not
// succeed.
func (cr *CollectionResult) Missing() []string {
	var names []string
	for _, rs := range [][]Result{cr.Rejections, cr.Errors, cr.Timeouts} {
		for _, r := range rs {
			names = append(names, r.DisplayName)
		}
	}
	return names
}

// Err combines every non-success into one error, nil when all succeeded.
func (cr *CollectionResult) Err() error {
	var err error
	for _, rs := range [][]Result{cr.Rejections, cr.Errors, cr.Timeouts} {
		for _, r := range rs {
			err = multierr.Append(err, r.Err)
		}
	}
	return err
}

// Progress is invoked on every per-participant state change.
type Progress func(displayName string, outcome Outcome)

// Config tunes a collection or dispatch.
type Config struct {
	// Timeout bounds the whole operation. Zero means DefaultTimeout.
	Timeout time.Duration
	// Parallel fans requests out across goroutines. Off by default.
	Parallel bool
	Progress Progress
	Log      *zap.Logger
}

func (c Config) timeout() time.Duration {
	if c.Timeout == 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c Config) progress(name string, o Outcome) {
	if c.Progress != nil {
		c.Progress(name, o)
	}
}

func (c Config) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

// ValidateFunc decodes and validates one raw slot payload. Wrap ErrRejected
// to report an explicit decline.
type ValidateFunc func(x xid.XID, data []byte) (any, error)

// Collect fetches every requested slot, validates each payload as it
// arrives, and partitions the outcomes. A cancelled context aborts
// in-flight fetches and returns the partial collection with the cancel
// marker set.
func Collect(ctx context.Context, store kv.Store, reqs []Request, cfg Config, validate ValidateFunc) CollectionResult {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	results := make([]Result, len(reqs))
	for i, req := range reqs {
		cfg.progress(req.DisplayName, Waiting)
		results[i] = Result{XID: req.XID, DisplayName: req.DisplayName, Outcome: Waiting}
	}

	if cfg.Parallel {
		var wg sync.WaitGroup
		for i := range reqs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = collectOne(ctx, store, reqs[i], cfg, validate)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range reqs {
			results[i] = collectOne(ctx, store, reqs[i], cfg, validate)
		}
	}

	var cr CollectionResult
	for _, r := range results {
		switch r.Outcome {
		case OK:
			cr.Successes = append(cr.Successes, r)
		case Rejected:
			cr.Rejections = append(cr.Rejections, r)
		case TimedOut:
			cr.Timeouts = append(cr.Timeouts, r)
		case Cancelled:
			cr.Cancelled = true
			cr.Errors = append(cr.Errors, r)
		default:
			cr.Errors = append(cr.Errors, r)
		}
	}
	return cr
}

func collectOne(ctx context.Context, store kv.Store, req Request, cfg Config, validate ValidateFunc) Result {
	res := Result{XID: req.XID, DisplayName: req.DisplayName}
	log := cfg.log()

	data, ok, err := store.Get(ctx, req.CollectFrom)
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		res.Outcome = Cancelled
		res.Err = err
	case err != nil:
		res.Outcome = Errored
		res.Err = err
	case !ok:
		res.Outcome = TimedOut
		res.Err = errors.New("collect: timed out waiting for " + req.DisplayName)
	default:
		payload, verr := validate(req.XID, data)
		switch {
		case verr != nil && errors.Is(verr, ErrRejected):
			res.Outcome = Rejected
			res.Err = verr
		case verr != nil:
			res.Outcome = Errored
			res.Err = verr
		default:
			res.Outcome = OK
			res.Payload = payload
		}
	}

	log.Debug("collected",
		zap.String("participant", req.DisplayName),
		zap.String("arid", req.CollectFrom.Short()),
		zap.String("outcome", string(res.Outcome)))
	cfg.progress(req.DisplayName, res.Outcome)
	return res
}

// Message is one sealed envelope addressed to a recipient's slot.
type Message struct {
	XID         xid.XID
	SendTo      arid.ARID
	Data        []byte
	DisplayName string
}

// DispatchResult is the outcome of one put.
type DispatchResult struct {
	XID xid.XID
	Err error
}

// Dispatch posts every message to its recipient's slot, with the same
// concurrency model as Collect.
func Dispatch(ctx context.Context, store kv.Store, msgs []Message, cfg Config) []DispatchResult {
	results := make([]DispatchResult, len(msgs))

	put := func(i int) {
		err := store.Put(ctx, msgs[i].SendTo, msgs[i].Data)
		results[i] = DispatchResult{XID: msgs[i].XID, Err: err}
		if err != nil {
			cfg.progress(msgs[i].DisplayName, Errored)
		} else {
			cfg.progress(msgs[i].DisplayName, OK)
		}
	}

	if cfg.Parallel {
		var wg sync.WaitGroup
		for i := range msgs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				put(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range msgs {
			put(i)
		}
	}
	return results
}

// DispatchErr combines dispatch failures into one error.
func DispatchErr(results []DispatchResult) error {
	var err error
	for _, r := range results {
		err = multierr.Append(err, r.Err)
	}
	return err
}
