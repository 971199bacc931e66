package shardcopy

import (
	"fmt"
	"strconv"
	"strings"
)

// NoJobID is the job id DequeueJob returns when the queue is exhausted.
const NoJobID int64 = -1

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one queued unit of work. Version guards CompleteJob against a
// worker completing a job it no longer owns.
type Job struct {
	ID         int64
	Version    int64
	Definition string
	Status     JobStatus
	Worker     string
	Result     string
}

// Exhausted reports whether the job is the end-of-queue marker.
func (j *Job) Exhausted() bool { return j == nil || j.ID == NoJobID }

// Definition is a surrogate id range of one resource type, written as
// "resourceTypeId;minId;maxId[;suffix]". Suffix labels the queue build that
// produced it.
type Definition struct {
	ResourceTypeID int16
	MinID          int64
	MaxID          int64
	Suffix         string
}

func ParseDefinition(s string) (Definition, error) {
	parts := strings.Split(s, ";")
	if len(parts) != 3 && len(parts) != 4 {
		return Definition{}, fmt.Errorf("job definition %q: want resourceTypeId;minId;maxId[;suffix]", s)
	}
	rt, err := strconv.ParseInt(parts[0], 10, 16)
	if err != nil || rt < 0 {
		return Definition{}, fmt.Errorf("job definition %q: invalid resource type id", s)
	}
	minID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Definition{}, fmt.Errorf("job definition %q: invalid min id", s)
	}
	maxID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Definition{}, fmt.Errorf("job definition %q: invalid max id", s)
	}
	if maxID < minID {
		return Definition{}, fmt.Errorf("job definition %q: max id below min id", s)
	}
	def := Definition{ResourceTypeID: int16(rt), MinID: minID, MaxID: maxID}
	if len(parts) == 4 {
		def.Suffix = parts[3]
	}
	return def, nil
}

func (d Definition) String() string {
	s := fmt.Sprintf("%d;%d;%d", d.ResourceTypeID, d.MinID, d.MaxID)
	if d.Suffix != "" {
		s += ";" + d.Suffix
	}
	return s
}

// Split divides the range into at most n contiguous parts of near equal
// width. It never returns an empty part.
func (d Definition) Split(n int) []Definition {
	width := d.MaxID - d.MinID + 1
	if n <= 1 || width <= 1 {
		return []Definition{d}
	}
	if int64(n) > width {
		n = int(width)
	}
	out := make([]Definition, 0, n)
	lo := d.MinID
	for i := 0; i < n; i++ {
		size := width / int64(n)
		if int64(i) < width%int64(n) {
			size++
		}
		part := d
		part.MinID, part.MaxID = lo, lo+size-1
		out = append(out, part)
		lo += size
	}
	return out
}

// TypeRange is the surrogate id span of one resource type in the source.
type TypeRange struct {
	ResourceTypeID int16
	MinID          int64
	MaxID          int64
}

// BuildDefinitions cuts every range into units of unitSize surrogate ids.
func BuildDefinitions(ranges []TypeRange, unitSize int64, suffix string) []Definition {
	if unitSize < 1 {
		unitSize = 1
	}
	var out []Definition
	for _, r := range ranges {
		for lo := r.MinID; lo <= r.MaxID; lo += unitSize {
			hi := lo + unitSize - 1
			if hi > r.MaxID || hi < lo {
				hi = r.MaxID
			}
			out = append(out, Definition{ResourceTypeID: r.ResourceTypeID, MinID: lo, MaxID: hi, Suffix: suffix})
			if hi == r.MaxID {
				break
			}
		}
	}
	return out
}
