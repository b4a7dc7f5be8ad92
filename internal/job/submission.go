package job

import (
	"errors"
	"fmt"

	"github.com/tos-network/stratum-pool/internal/util"
)

var ErrInvalidSubmission = errors.New("invalid submission")

// Submission is a decoded mining.submit parameter list
type Submission struct {
	Username string
	JobID    string
	Nonce2   uint32
	Time     uint32
	Nonce    uint32
}

// ParseSubmission validates params positionally:
// [username, job id, nonce2, time, nonce]. Extra trailing params are ignored.
func ParseSubmission(params []interface{}) (*Submission, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("%w: want 5 params, got %d", ErrInvalidSubmission, len(params))
	}

	var fields [5]string
	for i := range fields {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%w: param %d is not a string", ErrInvalidSubmission, i)
		}
		fields[i] = s
	}

	if !util.IsUsername(fields[0]) {
		return nil, fmt.Errorf("%w: bad username", ErrInvalidSubmission)
	}
	if !util.IsJobID(fields[1]) {
		return nil, fmt.Errorf("%w: bad job id", ErrInvalidSubmission)
	}

	sub := &Submission{Username: fields[0], JobID: fields[1]}
	for i, dst := range []*uint32{&sub.Nonce2, &sub.Time, &sub.Nonce} {
		v, err := util.ParseHex32(fields[i+2])
		if err != nil {
			return nil, fmt.Errorf("%w: param %d: %v", ErrInvalidSubmission, i+2, err)
		}
		*dst = v
	}
	return sub, nil
}
