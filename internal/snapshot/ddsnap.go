package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/ddserr"
)

// Gate is the distributor's in-memory enable flag as the snapshot path
// sees it: DisableForSnapshot atomically flips enabled→disabled and
// reports whether it won (false means another snapshot already holds the
// gate; the operator's mode does not affect it). EnableAfterSnapshot
// releases it.
type Gate interface {
	DisableForSnapshot() bool
	EnableAfterSnapshot()
}

// Request is one operator snapshot request.
type Request struct {
	UID     uuid.UUID
	Payload string
}

// DDSnapCreate is the supervisor-level wrapper around Orchestrator.Create:
// it holds the distributor's enable gate for the duration, races the
// protocol against a cluster recovery notification and a hard timeout,
// and always releases the gate on the way out.
func DDSnapCreate(ctx context.Context, o *Orchestrator, gate Gate, req Request, dbInfoChanged <-chan struct{}, maxTimeout time.Duration) error {
	if !gate.DisableForSnapshot() {
		return fmt.Errorf("%w: another snapshot is in progress", ddserr.ErrOperationFailed)
	}
	defer gate.EnableAfterSnapshot()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- o.Create(runCtx, req.UID, req.Payload)
	}()

	timer := time.NewTimer(maxTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-dbInfoChanged:
		cancel()
		<-done // wait out the error-path tlog re-enable
		return fmt.Errorf("%w: cluster recovered during snapshot %s", ddserr.ErrSnapWithRecoveryUnsupported, req.UID)
	case <-timer.C:
		cancel()
		<-done
		return fmt.Errorf("%w: snapshot %s exceeded %s", ddserr.ErrTimedOut, req.UID, maxTimeout)
	case <-ctx.Done():
		cancel()
		<-done
		return fmt.Errorf("%w: %v", ddserr.ErrOperationCancelled, ctx.Err())
	}
}
