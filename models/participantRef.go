package models

import "errors"

var (
	ErrParticipantBoth    = errors.New("recruitment references both an internal and an external participant")
	ErrParticipantMissing = errors.New("recruitment references no participant")
)

// ParticipantRef is the participant of a recruitment: exactly one of
// InternalParticipant or ExternalParticipant. The interface is sealed so no
// other implementation can exist outside this package.
type ParticipantRef interface {
	Partition() Partition
	ParticipantId() string
	sealedParticipantRef()
}

type InternalParticipant string

func (InternalParticipant) Partition() Partition    { return PartitionInternal }
func (p InternalParticipant) ParticipantId() string { return string(p) }
func (InternalParticipant) sealedParticipantRef()   {}

type ExternalParticipant string

func (ExternalParticipant) Partition() Partition    { return PartitionExternal }
func (p ExternalParticipant) ParticipantId() string { return string(p) }
func (ExternalParticipant) sealedParticipantRef()   {}

// NewParticipantRef folds the two nullable storage columns into the variant.
// Empty strings count as absent.
func NewParticipantRef(internalId, externalId *string) (ParticipantRef, error) {
	hasInternal := internalId != nil && *internalId != ""
	hasExternal := externalId != nil && *externalId != ""
	switch {
	case hasInternal && hasExternal:
		return nil, ErrParticipantBoth
	case hasInternal:
		return InternalParticipant(*internalId), nil
	case hasExternal:
		return ExternalParticipant(*externalId), nil
	}
	return nil, ErrParticipantMissing
}

// ParticipantColumns is the inverse of NewParticipantRef.
func ParticipantColumns(ref ParticipantRef) (internalId, externalId *string) {
	if ref == nil {
		return nil, nil
	}
	id := ref.ParticipantId()
	if ref.Partition() == PartitionInternal {
		return &id, nil
	}
	return nil, &id
}
