package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/namegen"
)

type ResourceKind int

const (
	KindPool ResourceKind = iota
	KindJob
)

func (k ResourceKind) String() string {
	switch k {
	case KindPool:
		return "pool"
	case KindJob:
		return "job"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ResourceHandle identifies a provisioned pool or job and whether this run must delete it.
type ResourceHandle struct {
	ID    string
	Kind  ResourceKind
	Owned bool

	// committed is true once the resource is known to exist in the state this run expects.
	committed bool
}

// Committed reports whether work may be bound to the resource.
func (h ResourceHandle) Committed() bool {
	return h.committed
}

func (h ResourceHandle) String() string {
	return fmt.Sprintf("%s '%s'", h.Kind, h.ID)
}

// ExistingPool binds to a pool created outside of this run. It is never deleted.
func ExistingPool(id string) ResourceHandle {
	return ResourceHandle{ID: id, Kind: KindPool, committed: true}
}

// ExistingJob binds to a job created outside of this run. It is never deleted.
func ExistingJob(id string) ResourceHandle {
	return ResourceHandle{ID: id, Kind: KindJob, committed: true}
}

type Outcome int

const (
	Created Outcome = iota
	AlreadyExists
)

func (o Outcome) String() string {
	if o == AlreadyExists {
		return "already-exists"
	}
	return "created"
}

// Provisioned is the tagged result of a create attempt.
type Provisioned struct {
	Outcome Outcome
	Handle  ResourceHandle
}

// Provisioner creates pools and jobs under collision-resistant identifiers.
// It never retries: retrying is the caller's decision.
type Provisioner struct {
	service batch.Service
	log     *slog.Logger
	// Role prefixes generated identifiers, e.g. "AutoScaleSample" gives "AutoScaleSamplePool_<ticks>".
	Role string

	metrics *metrics
}

func NewProvisioner(service batch.Service, role string, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Provisioner{service: service, log: logger, Role: role}
}

// ProvisionPool creates a pool. Any failure, including an existing pool with the same id, is fatal.
func (p *Provisioner) ProvisionPool(ctx context.Context, spec batch.PoolSpec) (Provisioned, error) {
	if spec.ID == "" {
		spec.ID = namegen.Stamp(p.Role + "Pool")
	}
	log := p.log.With("pool", spec.ID)

	log.Info("Creating pool", "vmSize", spec.VMSize, "dedicatedNodes", spec.TargetDedicatedNodes, "autoscale", spec.Autoscale != nil)
	if err := p.service.CreatePool(ctx, spec); err != nil {
		if errors.Is(err, batch.ErrAlreadyExists) && p.metrics != nil {
			p.metrics.provisionConflicts.WithLabelValues(KindPool.String()).Inc()
		}
		return Provisioned{}, fmt.Errorf("failed to create pool '%s': %w: %w", spec.ID, ErrProvisionFailure, err)
	}

	return Provisioned{
		Outcome: Created,
		Handle:  ResourceHandle{ID: spec.ID, Kind: KindPool, Owned: true, committed: true},
	}, nil
}

// ProvisionJob creates a job bound to pool.
//
// When the job already exists the returned handle is unowned and uncommitted,
// so teardown leaves it alone and no task can be submitted to it, and the
// conflict is still reported as an error wrapping ErrProvisionConflict.
func (p *Provisioner) ProvisionJob(ctx context.Context, pool ResourceHandle, spec batch.JobSpec) (Provisioned, error) {
	if pool.Kind != KindPool || !pool.committed {
		return Provisioned{}, fmt.Errorf("cannot bind a job to %s: %w", pool, ErrInvalidState)
	}
	if spec.ID == "" {
		spec.ID = namegen.Stamp(p.Role + "Job")
	}
	spec.PoolID = pool.ID
	log := p.log.With("job", spec.ID, "pool", pool.ID)

	log.Info("Creating job")
	err := p.service.CreateJob(ctx, spec)
	switch {
	case err == nil:
		return Provisioned{
			Outcome: Created,
			Handle:  ResourceHandle{ID: spec.ID, Kind: KindJob, Owned: true, committed: true},
		}, nil

	case errors.Is(err, batch.ErrAlreadyExists):
		log.Warn("Job already exists, it will not be deleted by this run")
		if p.metrics != nil {
			p.metrics.provisionConflicts.WithLabelValues(KindJob.String()).Inc()
		}
		return Provisioned{
			Outcome: AlreadyExists,
			Handle:  ResourceHandle{ID: spec.ID, Kind: KindJob, Owned: false},
		}, fmt.Errorf("job '%s' already exists: %w: %w", spec.ID, ErrProvisionConflict, err)

	default:
		return Provisioned{}, fmt.Errorf("failed to create job '%s': %w: %w", spec.ID, ErrProvisionFailure, err)
	}
}
