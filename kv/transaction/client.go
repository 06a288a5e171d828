package transaction

import (
	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinytxn/kv/hlc"
)

// Requests and responses exchanged between a transaction client and the
// partition owners. Every response carries a hybrid Time which the caller
// must feed to its clock; this propagation is what lets a coordinator pick a
// commit time that is >= every intent write time without coordination.

type HeartbeatRequest struct {
	Meta Metadata
	// InvolvedPartitions is every data partition written to so far, so the
	// coordinator can clean up intents if the transaction dies silently.
	InvolvedPartitions []uint64
}

type HeartbeatResponse struct {
	// Status lets the client discover an abort decided behind its back.
	Status Status
	Time   hlc.Timestamp
}

type CommitRequest struct {
	Meta Metadata
	// InvolvedPartitions is every data partition the transaction wrote to.
	// The coordinator drives intent application and cleanup from it.
	InvolvedPartitions []uint64
	// LastWrite is the largest intent write time the client observed. The
	// coordinator advances its clock past it before choosing the commit
	// time.
	LastWrite hlc.Timestamp
}

type CommitResponse struct {
	Status     Status
	CommitTime hlc.Timestamp
	Time       hlc.Timestamp
}

type AbortRequest struct {
	Meta Metadata
	// InvolvedPartitions tells the coordinator where to discard intents.
	// Empty when the aborter is not the transaction's own client.
	InvolvedPartitions []uint64
}

type AbortResponse struct {
	// Status is the final status; Committed here means abort lost the race.
	Status Status
	Time   hlc.Timestamp
}

type StatusRequest struct {
	ID uuid.UUID
}

type StatusResponse struct {
	Status Status
	// StatusTime is the time the status is known to be valid at. For
	// Committed it is the commit time; for Pending it is a watermark
	// before which no commit can have happened.
	StatusTime hlc.Timestamp
	Time       hlc.Timestamp
}

type WriteRequest struct {
	Meta Metadata
	Key  []byte
	// Value is ignored when Delete is set.
	Value  []byte
	Delete bool
	// ReadTime is the writer's snapshot. A committed version of Key above
	// it means the writer would blindly overwrite state it never saw, so
	// the write is rejected as a conflict.
	ReadTime hlc.Timestamp
}

type WriteResponse struct {
	Time hlc.Timestamp
}

type ReadRequest struct {
	Meta        Metadata
	Key         []byte
	ReadTime    hlc.Timestamp
	GlobalLimit hlc.Timestamp
}

type ReadResponse struct {
	Value []byte
	Found bool
	Time  hlc.Timestamp
}

type ApplyRequest struct {
	ID         uuid.UUID
	CommitTime hlc.Timestamp
}

type DiscardRequest struct {
	ID uuid.UUID
}

// CoordinatorClient talks to the owner of a status partition.
type CoordinatorClient interface {
	RegisterOrHeartbeat(req *HeartbeatRequest) (*HeartbeatResponse, error)
	RequestCommit(req *CommitRequest) (*CommitResponse, error)
	RequestAbort(req *AbortRequest) (*AbortResponse, error)
	GetStatus(req *StatusRequest) (*StatusResponse, error)
}

// ParticipantClient talks to the owner of a data partition.
type ParticipantClient interface {
	Write(req *WriteRequest) (*WriteResponse, error)
	Read(req *ReadRequest) (*ReadResponse, error)
	Apply(req *ApplyRequest) error
	Discard(req *DiscardRequest) error
}

// Dispatcher locates the owner of a partition. Implementations may retry
// transient routing failures internally.
type Dispatcher interface {
	Coordinator(partition uint64) (CoordinatorClient, error)
	Participant(partition uint64) (ParticipantClient, error)
}
