// Package job tracks outstanding block-template attempts and decodes miner
// submissions against them.
package job

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tos-network/stratum-pool/internal/chain"
)

var ErrCommitted = errors.New("job already committed")

// Job is one block-template attempt handed out to miners
type Job struct {
	ID         string
	Attempt    *chain.TemplateAttempt
	Target     *big.Int
	Difficulty float64
	CreatedAt  time.Time

	mu        sync.Mutex
	seen      map[chainhash.Hash]struct{}
	committed bool
}

// New binds a fresh attempt to id
func New(id string, attempt *chain.TemplateAttempt) *Job {
	return &Job{
		ID:         id,
		Attempt:    attempt,
		Target:     attempt.Target,
		Difficulty: attempt.Difficulty(),
		CreatedAt:  time.Now(),
		seen:       make(map[chainhash.Hash]struct{}),
	}
}

// Height is the block height being mined
func (j *Job) Height() uint32 {
	return j.Attempt.Height
}

// Insert records a solution hash. It returns false if the hash was already
// seen for this job.
func (j *Job) Insert(hash chainhash.Hash) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.seen[hash]; ok {
		return false
	}
	j.seen[hash] = struct{}{}
	return true
}

// Committed reports whether a block has been assembled from this job
func (j *Job) Committed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Check recomputes the proof for a submission using the session's nonce1
func (j *Job) Check(nonce1 uint32, sub *Submission) *chain.Proof {
	return j.Attempt.Prove(nonce1, sub.Nonce2, sub.Time, sub.Nonce)
}

// Commit marks the job committed and assembles the block. A job commits at
// most once.
func (j *Job) Commit(proof *chain.Proof) (*wire.MsgBlock, error) {
	j.mu.Lock()
	if j.committed {
		j.mu.Unlock()
		return nil, ErrCommitted
	}
	j.committed = true
	j.mu.Unlock()

	block, err := j.Attempt.Commit(proof)
	if err != nil {
		return nil, fmt.Errorf("commit job %s: %w", j.ID, err)
	}
	return block, nil
}

// NotifyParams returns the mining.notify parameters for this job
func (j *Job) NotifyParams(clean bool) []interface{} {
	return j.Attempt.NotifyParams(j.ID, clean)
}

// IDSource hands out job ids of the form "<start unix seconds>:<counter>".
// The start time keeps ids unique across restarts.
type IDSource struct {
	start   int64
	counter atomic.Uint32
}

func NewIDSource(start time.Time) *IDSource {
	return &IDSource{start: start.Unix()}
}

func (s *IDSource) Next() string {
	return fmt.Sprintf("%d:%d", s.start, s.counter.Add(1))
}
