package callback

import (
	"os"
	"time"

	"github.com/kiryu-dev/steam-cm/internal/domain"
	"go.uber.org/atomic"
)

// GlobalID layout, lowest bits first: 20 bits sequence, 30 bits start time in seconds
// since 2005-01-01, 4 bits process id, 10 bits box id.
type GlobalID uint64

const (
	sequenceBits  = 20
	startTimeBits = 30
	processIDBits = 4
	boxIDBits     = 10

	startTimeShift = sequenceBits
	processIDShift = startTimeShift + startTimeBits
	boxIDShift     = processIDShift + processIDBits
)

var globalIDEpoch = time.Date(2005, time.January, 1, 0, 0, 0, 0, time.UTC)

func NewGlobalID(sequence uint64, startTime time.Time, processID, boxID uint64) GlobalID {
	seconds := uint64(0)
	if startTime.After(globalIDEpoch) {
		seconds = uint64(startTime.Sub(globalIDEpoch) / time.Second)
	}
	return GlobalID(sequence&mask(sequenceBits) |
		(seconds&mask(startTimeBits))<<startTimeShift |
		(processID&mask(processIDBits))<<processIDShift |
		(boxID&mask(boxIDBits))<<boxIDShift)
}

func mask(bits uint) uint64 {
	return 1<<bits - 1
}

func (g GlobalID) SequentialCount() uint64 {
	return uint64(g) & mask(sequenceBits)
}

func (g GlobalID) StartTime() time.Time {
	seconds := (uint64(g) >> startTimeShift) & mask(startTimeBits)
	return globalIDEpoch.Add(time.Duration(seconds) * time.Second)
}

func (g GlobalID) ProcessID() uint64 {
	return (uint64(g) >> processIDShift) & mask(processIDBits)
}

func (g GlobalID) BoxID() uint64 {
	return (uint64(g) >> boxIDShift) & mask(boxIDBits)
}

func (g GlobalID) JobID() domain.JobID {
	return domain.JobID(g)
}

// JobIDSource hands out job ids unique for the lifetime of the process.
type JobIDSource struct {
	sequence  *atomic.Uint64
	startTime time.Time
	processID uint64
	boxID     uint64
}

func NewJobIDSource(boxID uint64) *JobIDSource {
	return &JobIDSource{
		sequence:  atomic.NewUint64(0),
		startTime: time.Now(),
		processID: uint64(os.Getpid()),
		boxID:     boxID,
	}
}

// Next never returns domain.InvalidJobID.
func (s *JobIDSource) Next() domain.JobID {
	for {
		id := NewGlobalID(s.sequence.Inc(), s.startTime, s.processID, s.boxID).JobID()
		if id.IsValid() {
			return id
		}
	}
}
