package job

// DefaultCapacity is the number of jobs kept for late submissions
const DefaultCapacity = 6

// Ring keeps the most recent jobs in creation order with an id index.
// It is not safe for concurrent use; the coordinator guards it.
type Ring struct {
	capacity int
	order    []*Job
	byID     map[string]*Job
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		capacity: capacity,
		order:    make([]*Job, 0, capacity+1),
		byID:     make(map[string]*Job, capacity+1),
	}
}

// Push appends j and returns the job evicted to make room, if any
func (r *Ring) Push(j *Job) *Job {
	r.order = append(r.order, j)
	r.byID[j.ID] = j

	if len(r.order) <= r.capacity {
		return nil
	}
	oldest := r.order[0]
	r.order[0] = nil
	r.order = r.order[1:]
	delete(r.byID, oldest.ID)
	return oldest
}

func (r *Ring) Get(id string) *Job {
	return r.byID[id]
}

// Latest returns the newest job or nil
func (r *Ring) Latest() *Job {
	if len(r.order) == 0 {
		return nil
	}
	return r.order[len(r.order)-1]
}

func (r *Ring) Len() int {
	return len(r.order)
}
