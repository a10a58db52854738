package store

import (
	"fmt"

	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/internal/db"
	"github.com/google/uuid"
)

// JobRepo persists pending outbound network side-effects. The table is the
// queue: presence means pending or retryable, absence means done. Dequeue
// order is (priority DESC, insertion order ASC). Duplicate suppression is
// the caller's responsibility.
type JobRepo struct {
	db  *db.Database
	bus *bus.Bus
}

func (r *JobRepo) Enqueue(j *Job) error {
	return r.db.Run("enqueue job", func() error {
		return r.EnqueueTx(j)
	})
}

// EnqueueTx inserts the job inside the caller's transaction so a state
// change and its outbound side-effect commit atomically. The insertion-order
// counter is the AUTOINCREMENT sequence.
func (r *JobRepo) EnqueueTx(j *Job) error {
	if j.JobID == "" {
		j.JobID = uuid.NewString()
	}
	if _, err := r.db.Tx.NamedExec(`
		INSERT INTO jobs (job_id, action, priority, run_count, created_at, conversation_id, user_id, message_id, params)
		VALUES (:job_id, :action, :priority, :run_count, :created_at, :conversation_id, :user_id, :message_id, :params)`, j); err != nil {
		return fmt.Errorf("store: enqueuing job: %w", db.Classify(err))
	}
	r.db.AfterCommit(func() {
		r.bus.Publish(bus.Event{Kind: bus.KindJob, Action: bus.ActionInsert, ID: j.JobID})
	})
	return nil
}

// DequeueNext returns the highest-priority, oldest pending job, or nil when
// the queue is empty. The job stays in the table until Remove.
func (r *JobRepo) DequeueNext() (*Job, error) {
	j := Job{}
	if err := r.db.Conn.Get(&j, "SELECT * FROM jobs ORDER BY priority DESC, seq ASC LIMIT 1"); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: dequeuing job: %w", err)
	}
	return &j, nil
}

// DequeueBatch returns up to limit pending jobs of one action kind in
// dequeue order, so e.g. all pending acks coalesce into one network call.
func (r *JobRepo) DequeueBatch(action string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var js []*Job
	if err := r.db.Conn.Select(&js, `
		SELECT * FROM jobs WHERE action = $1 ORDER BY priority DESC, seq ASC LIMIT $2`, action, limit); err != nil {
		return nil, fmt.Errorf("store: dequeuing job batch: %w", err)
	}
	return js, nil
}

// Pending returns up to limit pending jobs of any action in dequeue order.
func (r *JobRepo) Pending(limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var js []*Job
	if err := r.db.Conn.Select(&js, "SELECT * FROM jobs ORDER BY priority DESC, seq ASC LIMIT $1", limit); err != nil {
		return nil, fmt.Errorf("store: listing pending jobs: %w", err)
	}
	return js, nil
}

// MarkRunCount persists a worker's retry counter. Backoff policy is the
// worker's concern, not the queue's.
func (r *JobRepo) MarkRunCount(jobID string, count int) error {
	return r.db.Run("mark job run count", func() error {
		if _, err := r.db.Tx.Exec("UPDATE jobs SET run_count = $1 WHERE job_id = $2", count, jobID); err != nil {
			return fmt.Errorf("store: marking job run count: %w", err)
		}
		return nil
	})
}

// Remove deletes a job after confirmed execution or permanent abandonment.
func (r *JobRepo) Remove(jobID string) error {
	return r.db.Run("remove job", func() error {
		if _, err := r.db.Tx.Exec("DELETE FROM jobs WHERE job_id = $1", jobID); err != nil {
			return fmt.Errorf("store: removing job: %w", err)
		}
		return nil
	})
}

func (r *JobRepo) RemoveBatch(jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	return r.db.Run("remove job batch", func() error {
		for _, id := range jobIDs {
			if _, err := r.db.Tx.Exec("DELETE FROM jobs WHERE job_id = $1", id); err != nil {
				return fmt.Errorf("store: removing job %s: %w", id, err)
			}
		}
		return nil
	})
}

func (r *JobRepo) Count() (int, error) {
	var n int
	if err := r.db.Conn.Get(&n, "SELECT count(*) FROM jobs"); err != nil {
		return 0, fmt.Errorf("store: counting jobs: %w", err)
	}
	return n, nil
}
